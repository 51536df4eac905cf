package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rjeczalik/notify"

	"github.com/opensyftbox/syftbox/pkg/message"
	"github.com/opensyftbox/syftbox/pkg/permission"
	"github.com/opensyftbox/syftbox/pkg/rpc"
	"github.com/opensyftbox/syftbox/pkg/syfturl"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

// EventFilter is a bitmask of the filesystem operations a Watch handler
// cares about. It defaults to Created|Modified.
type EventFilter int

const (
	Created EventFilter = 1 << iota
	Modified
	Deleted
)

const DefaultEventFilter = Created | Modified

const schemaFileName = "rpc.schema.json"

type endpointRoute struct {
	endpoint string
	handler  *requestHandler
}

type watchRoute struct {
	globs   []string
	filter  EventFilter
	handler *requestHandler
}

// SyftEvents binds handler functions to RPC endpoints under a single app's
// rpc directory, and to arbitrary glob-matched file events under the
// datasites root, then dispatches them from a filesystem watch loop.
type SyftEvents struct {
	AppName   string
	Email     string
	Workspace *workspace.Workspace
	Client    *rpc.Client
	Engine    *permission.Engine // optional; nil skips the permission check

	MessageTimeout  time.Duration
	JanitorInterval time.Duration

	mu       sync.Mutex
	routes   map[string]*endpointRoute
	watches  []*watchRoute
	evCh     chan notify.EventInfo
	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// New builds a SyftEvents dispatcher for appName, owned by email, rooted at
// ws's datasites tree.
func New(appName, email string, ws *workspace.Workspace, client *rpc.Client) *SyftEvents {
	return &SyftEvents{
		AppName:         appName,
		Email:           email,
		Workspace:       ws,
		Client:          client,
		MessageTimeout:  24 * time.Hour,
		JanitorInterval: 5 * time.Minute,
		routes:          make(map[string]*endpointRoute),
	}
}

// RPCRoot is the directory in which this app's "<id>.request" files are
// expected to appear for a given endpoint:
// "<datasites>/<email>/api_data/<app>/rpc/<endpoint>".
func (s *SyftEvents) RPCRoot(endpoint string) string {
	return filepath.Join(s.Workspace.DatasiteDir(s.Email), "api_data", s.AppName, "rpc", endpoint)
}

// apiDataRoot is the directory watched recursively for this app's own
// endpoints: "<datasites>/<email>/api_data/<app>".
func (s *SyftEvents) apiDataRoot() string {
	return filepath.Join(s.Workspace.DatasiteDir(s.Email), "api_data", s.AppName)
}

// OnRequest binds handler to "<api_data>/<app>/rpc/<endpoint>/". Wildcards
// in endpoint are rejected outright.
func (s *SyftEvents) OnRequest(endpoint string, handler any) error {
	if strings.ContainsAny(endpoint, "*?[]") {
		return fmt.Errorf("events: endpoint %q must not contain glob wildcards", endpoint)
	}
	h, err := newRequestHandler(handler)
	if err != nil {
		return fmt.Errorf("events: on_request %q: %w", endpoint, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[endpoint] = &endpointRoute{endpoint: endpoint, handler: h}
	return nil
}

// Watch binds handler to every path matching any of globs under the
// datasites root. A glob not already anchored with "**/" gets one
// prepended, and the placeholders {email}, {datasite}, {api_data} are
// substituted for this SyftEvents' own identity before matching.
func (s *SyftEvents) Watch(globs []string, filter EventFilter, handler any) error {
	h, err := newRequestHandler(handler)
	if err != nil {
		return fmt.Errorf("events: watch: %w", err)
	}
	if filter == 0 {
		filter = DefaultEventFilter
	}

	expanded := make([]string, len(globs))
	for i, g := range globs {
		expanded[i] = s.expandGlob(g)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches = append(s.watches, &watchRoute{globs: expanded, filter: filter, handler: h})
	return nil
}

func (s *SyftEvents) expandGlob(g string) string {
	replacer := strings.NewReplacer(
		"{email}", s.Email,
		"{datasite}", s.Email,
		"{api_data}", filepath.Join("api_data", s.AppName),
	)
	g = replacer.Replace(g)
	if !strings.HasPrefix(g, "**/") {
		g = "**/" + g
	}
	return g
}

// schemaParam describes one handler's argument shape in rpc.schema.json.
type schemaParam struct {
	Endpoint string `json:"endpoint"`
	ArgType  string `json:"arg_type"`
}

// PublishSchema walks every registered on_request endpoint and writes a
// description of its argument shape to "<rpc_root>/rpc.schema.json".
func (s *SyftEvents) PublishSchema() error {
	s.mu.Lock()
	params := make([]schemaParam, 0, len(s.routes))
	for _, route := range s.routes {
		argType := "none"
		switch route.handler.kind {
		case argRequestContext:
			argType = "request"
		case argStructured:
			argType = derefType(route.handler.argType).String()
		case argRawMap:
			argType = "object"
		case argString:
			argType = "string"
		}
		params = append(params, schemaParam{Endpoint: route.endpoint, ArgType: argType})
	}
	s.mu.Unlock()

	root := s.apiDataRoot()
	if err := os.MkdirAll(filepath.Join(root, "rpc"), 0o755); err != nil {
		return fmt.Errorf("events: publish_schema: %w", err)
	}

	data, err := json.MarshalIndent(struct {
		App       string        `json:"app"`
		Endpoints []schemaParam `json:"endpoints"`
	}{App: s.AppName, Endpoints: params}, "", "  ")
	if err != nil {
		return fmt.Errorf("events: publish_schema: %w", err)
	}

	return os.WriteFile(filepath.Join(root, "rpc", schemaFileName), data, 0o644)
}

// Start runs process_pending_requests (crash recovery over already-present
// "<id>.request" files lacking a response) and begins the filesystem watch
// loop. It does not block; call RunForever or wait on Stop to block.
func (s *SyftEvents) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.Workspace.DatasitesDir, 0o755); err != nil {
		return fmt.Errorf("events: start: %w", err)
	}

	s.processPendingRequests()

	s.evCh = make(chan notify.EventInfo, 256)
	s.stopCh = make(chan struct{})

	recursive := s.Workspace.DatasitesDir + "/..."
	if err := notify.Watch(recursive, s.evCh, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
		return fmt.Errorf("events: start: watch: %w", err)
	}

	go s.loop()
	go s.janitorLoop()
	return nil
}

// RunForever starts the dispatcher if needed and blocks until Stop is
// called.
func (s *SyftEvents) RunForever() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.stopCh
	return nil
}

// Stop halts the filesystem watch and janitor loops.
func (s *SyftEvents) Stop() {
	s.stopOnce.Do(func() {
		if s.evCh != nil {
			notify.Stop(s.evCh)
		}
		if s.stopCh != nil {
			close(s.stopCh)
		}
	})
}

func (s *SyftEvents) loop() {
	for {
		select {
		case ev, ok := <-s.evCh:
			if !ok {
				return
			}
			s.handleNotifyEvent(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *SyftEvents) handleNotifyEvent(ev notify.EventInfo) {
	path := ev.Path()
	filter := eventToFilter(ev.Event())

	if strings.HasSuffix(path, message.RequestSuffix) && filter == Created {
		s.dispatchIfEndpointMatch(path)
	}
	s.dispatchWatchers(path, filter)
}

func eventToFilter(ev notify.Event) EventFilter {
	switch {
	case ev&notify.Create != 0:
		return Created
	case ev&(notify.Remove|notify.Rename) != 0:
		return Deleted
	default:
		return Modified
	}
}

// dispatchIfEndpointMatch checks whether path lies under a registered
// endpoint's rpc directory for this app, and if so runs the request
// dispatch pipeline.
func (s *SyftEvents) dispatchIfEndpointMatch(path string) {
	s.mu.Lock()
	var matched *endpointRoute
	for _, route := range s.routes {
		if strings.HasPrefix(path, s.RPCRoot(route.endpoint)+string(filepath.Separator)) {
			matched = route
			break
		}
	}
	s.mu.Unlock()
	if matched == nil {
		return
	}
	s.dispatchRequest(matched, path)
}

func (s *SyftEvents) dispatchWatchers(path string, filter EventFilter) {
	rel, err := filepath.Rel(s.Workspace.DatasitesDir, path)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	s.mu.Lock()
	watches := append([]*watchRoute(nil), s.watches...)
	s.mu.Unlock()

	for _, w := range watches {
		if w.filter&filter == 0 {
			continue
		}
		for _, g := range w.globs {
			if ok, _ := doublestar.Match(g, rel); ok {
				s.invokeWatch(w, path)
				break
			}
		}
	}
}

func (s *SyftEvents) invokeWatch(w *watchRoute, path string) {
	body, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("events: watch handler: read file", "path", path, "error", err)
		return
	}
	fakeReq := &message.Request{ID: message.NewID(), Body: body}
	if _, _, err := w.handler.invoke(fakeReq); err != nil {
		slog.Error("events: watch handler failed", "path", path, "error", err)
	}
}

// dispatchRequest runs the per-request pipeline:
//  1. load the request; on parse failure, write a 500 and stop;
//  2. if expired, drop silently;
//  3. bind arguments and invoke the handler;
//  4. coerce the result;
//  5. reply_to with the coerced body and content type;
//  6. on panic/error, write a non-200 system response.
func (s *SyftEvents) dispatchRequest(route *endpointRoute, requestPath string) {
	req, err := message.LoadRequestFile(requestPath)
	if err != nil {
		slog.Error("events: malformed request", "path", requestPath, "error", err)
		id := strings.TrimSuffix(filepath.Base(requestPath), message.RequestSuffix)
		if url, urlErr := syfturl.FromPath(filepath.Dir(requestPath), s.Workspace.DatasitesDir); urlErr == nil {
			stub := &message.Request{ID: id, URL: url, Expires: time.Now().UTC().Add(s.MessageTimeout)}
			_, _ = s.Client.ReplyTo(stub, []byte(err.Error()), message.Headers{"content-type": "text/plain"}, message.StatusServerError)
		}
		return
	}

	if req.Expired(time.Now().UTC()) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			_, _ = s.Client.ReplyTo(req, []byte(fmt.Sprint(r)), message.Headers{"content-type": "text/plain"}, message.StatusServerError)
		}
	}()

	if s.Engine != nil {
		rel, relErr := filepath.Rel(s.Workspace.DatasitesDir, requestPath)
		if relErr == nil && !s.Engine.HasPermission(req.Sender, filepath.ToSlash(rel), permission.Write) {
			_, _ = s.Client.ReplyTo(req, []byte("permission denied"), nil, message.StatusForbidden)
			return
		}
	}

	body, contentType, err := route.handler.invoke(req)
	if err != nil {
		_, _ = s.Client.ReplyTo(req, []byte(err.Error()), message.Headers{"content-type": "text/plain"}, message.StatusServerError)
		return
	}

	_, _ = s.Client.ReplyTo(req, body, message.Headers{"content-type": contentType}, message.StatusOK)
}

// processPendingRequests implements crash recovery: every "<id>.request"
// lacking a sibling "<id>.response" is dispatched immediately.
func (s *SyftEvents) processPendingRequests() {
	s.mu.Lock()
	routes := make([]*endpointRoute, 0, len(s.routes))
	for _, r := range s.routes {
		routes = append(routes, r)
	}
	s.mu.Unlock()

	for _, route := range routes {
		dir := s.RPCRoot(route.endpoint)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), message.RequestSuffix) {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), message.RequestSuffix)
			responsePath := filepath.Join(dir, message.ResponseFileName(id))
			if _, err := os.Stat(responsePath); err == nil {
				continue
			}
			s.dispatchRequest(route, filepath.Join(dir, entry.Name()))
		}
	}
}

// janitorLoop periodically sweeps watched rpc directories for files older
// than MessageTimeout, leaving permission files untouched.
func (s *SyftEvents) janitorLoop() {
	ticker := time.NewTicker(s.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *SyftEvents) sweep() {
	s.mu.Lock()
	routes := make([]*endpointRoute, 0, len(s.routes))
	for _, r := range s.routes {
		routes = append(routes, r)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, route := range routes {
		dir := s.RPCRoot(route.endpoint)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || permission.IsPermissionFile(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > s.MessageTimeout {
				_ = os.Remove(filepath.Join(dir, entry.Name()))
			}
		}
	}
}
