package gateway

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/opensyftbox/syftbox/internal/api"
	"github.com/opensyftbox/syftbox/pkg/rpc"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

// Config configures a gateway Server.
type Config struct {
	Workspace    *workspace.Workspace
	FutureDBPath string
	RateLimit    string // limiter-formatted, e.g. "100-M"
	BlockTimeout time.Duration
}

// Server is the gateway's HTTP facade over one local workspace.
type Server struct {
	cfg    Config
	engine *gin.Engine
	db     *FutureDB
}

// New builds a Server, opening its future DB.
func New(cfg Config) (*Server, error) {
	if cfg.RateLimit == "" {
		cfg.RateLimit = "100-M"
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 30 * time.Second
	}

	db, err := OpenFutureDB(cfg.FutureDBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, db: db}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:    []string{"*"},
		AllowHeaders:    []string{"*"},
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowWebSockets: false,
	}))
	s.engine.Use(gzip.Gzip(gzip.DefaultCompression))
	s.engine.Use(s.rateLimiter())

	group := s.engine.Group("/rpc")
	group.POST("", s.handleSend)
	group.GET("/status/:id", s.handleStatus)
	group.GET("/schema/:app_name", s.handleSchema)

	return s, nil
}

func (s *Server) rateLimiter() gin.HandlerFunc {
	rate, err := limiter.NewRateFromFormatted(s.cfg.RateLimit)
	if err != nil {
		panic(err)
	}
	store := memory.NewStore()
	lim := limiter.New(store, rate)
	return mgin.NewMiddleware(lim, mgin.WithLimitReachedHandler(func(c *gin.Context) {
		api.AbortWithError(c, 429, api.CodeRateLimited, errRateLimited)
	}))
}

var errRateLimited = rpcError("rate limit exceeded")

type rpcError string

func (e rpcError) Error() string { return string(e) }

// Handler returns the gin engine, for use with net/http.
func (s *Server) Handler() *gin.Engine { return s.engine }

// Close releases the server's future DB handle.
func (s *Server) Close() error { return s.db.Close() }

// newClient builds an rpc.Client on this gateway's workspace that sends as
// email (the sender named in the incoming request).
func (s *Server) newClient(email string) *rpc.Client {
	return rpc.New(email, s.cfg.Workspace)
}
