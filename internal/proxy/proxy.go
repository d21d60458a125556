// Package proxy implements the core HTTP proxy server.
//
// Traffic flow:
//   - HTTPS CONNECT requests to AI API domains: TLS-terminated via the mitm
//     package so the decrypted request body reaches the same sanitize path
//     as plain HTTP traffic, then re-encrypted on the way upstream
//   - HTTPS CONNECT requests to everything else: tunneled transparently
//     (no TLS termination — the gateway has no reason to decrypt traffic it
//     doesn't sanitize)
//   - HTTP requests to AI API domains: body is sanitized before forwarding,
//     and response bodies are reconciled (tokens swapped back for their
//     original values) before reaching the client
//   - HTTP requests to auth domains/paths: passed through unchanged
//   - All other HTTP requests: passed through unchanged
//
// Upstream proxy (corporate proxy) chaining is automatic: Go's net/http
// respects HTTP_PROXY / HTTPS_PROXY / NO_PROXY environment variables natively.
// No extra configuration is needed — just set those env vars before starting.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"redaction-gateway/internal/config"
	"redaction-gateway/internal/engine"
	"redaction-gateway/internal/management"
	"redaction-gateway/internal/metrics"
	"redaction-gateway/internal/mitm"
)

// Server is the HTTP proxy server.
type Server struct {
	cfg         *config.Config
	eng         *engine.Engine
	m           *metrics.Metrics
	domains     *management.DomainRegistry
	authDomains map[string]bool
	authPaths   map[string]bool
	transport   *http.Transport
	ca          *mitm.CA // nil disables HTTPS interception; CONNECT falls back to opaque tunneling
}

// New creates and configures a new proxy server. registry is shared with the
// management API so runtime domain changes take effect immediately. ca may be
// nil, in which case CONNECT requests are always tunneled opaquely rather than
// TLS-terminated — useful for environments where minting a local CA isn't
// wanted or possible.
func New(cfg *config.Config, registry *management.DomainRegistry, eng *engine.Engine, m *metrics.Metrics, ca *mitm.CA) *Server {
	s := &Server{
		cfg:         cfg,
		eng:         eng,
		m:           m,
		domains:     registry,
		authDomains: toSet(cfg.AuthDomains),
		authPaths:   toSet(cfg.AuthPaths),
		ca:          ca,
	}

	// transport uses ProxyFromEnvironment — automatically picks up
	// HTTP_PROXY / HTTPS_PROXY / NO_PROXY env vars for upstream chaining.
	// DialContext is wrapped with ssrfSafeDialContext so a compromised or
	// misconfigured upstream domain entry can't be used to reach the
	// gateway's own internal network.
	s.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: ssrfSafeDialContext(&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}),
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return s
}

// Close releases the proxy's idle upstream connections. The ledger and its
// cache are owned by the engine, not the proxy, and are closed separately.
func (s *Server) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// ServeHTTP dispatches incoming proxy requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleTunnel(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// handleTunnel handles HTTPS CONNECT requests. Targets registered as AI API
// domains are TLS-terminated with the local MITM CA so their request/response
// bodies can be sanitized and reconciled like plain HTTP traffic; everything
// else is tunneled opaquely.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	log.Printf("[TUNNEL] CONNECT %s", host)

	if isPrivateHost(host) {
		http.Error(w, fmt.Sprintf("refusing to tunnel to private address %s", host), http.StatusForbidden)
		return
	}

	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}

	if s.ca != nil && s.domains.Has(domain) && !s.isAuthRequest(domain, "") {
		s.handleMITMTunnel(w, host, domain)
		return
	}

	s.handlePassthroughTunnel(w, host)
}

// handlePassthroughTunnel establishes a raw TCP tunnel with no TLS
// termination — used for CONNECT targets the gateway has no reason to
// inspect.
func (s *Server) handlePassthroughTunnel(w http.ResponseWriter, host string) {
	destConn, err := net.DialTimeout("tcp", host, 20*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot connect to %s: %v", host, err), http.StatusBadGateway)
		return
	}
	defer destConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK) // send "200 Connection established"

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		log.Printf("[TUNNEL] Hijack error for %s: %v", host, err)
		return
	}
	defer clientConn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(destConn, clientConn); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(clientConn, destConn); done <- struct{}{} }() //nolint:errcheck
	<-done
}

// handleMITMTunnel terminates TLS on the hijacked client connection using a
// certificate minted for domain, then serves the decrypted requests through
// the same handleHTTP path plain HTTP traffic takes — so sanitize/forward/
// reconcile run identically regardless of transport.
func (s *Server) handleMITMTunnel(w http.ResponseWriter, host, domain string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK) // send "200 Connection established"

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		log.Printf("[TUNNEL] Hijack error for %s: %v", host, err)
		return
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = "https"
		if r.URL.Host == "" {
			r.URL.Host = host
		}
		s.handleHTTP(w, r)
	})
	mitm.HandleConn(clientConn, domain, s.ca, inner)
}

// handleHTTP handles plain HTTP proxy requests.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}

	isAuth := s.isAuthRequest(domain, r.URL.Path)
	isAI := s.domains.Has(domain)

	tag := "[PASS]"
	if isAuth {
		tag = "[AUTH][PASS]"
	} else if isAI {
		tag = "[SANITIZE]"
	}
	log.Printf("[HTTP] %s %s%s %s", r.Method, domain, r.URL.Path, tag)

	if s.m != nil {
		s.m.RequestsTotal.Add(1)
		if isAuth {
			s.m.RequestsAuth.Add(1)
		} else if isAI {
			s.m.RequestsSanitized.Add(1)
		} else {
			s.m.RequestsPassthrough.Add(1)
		}
	}

	sessionID := sessionIDFor(r)

	if isAI && !isAuth {
		sanitizeStart := time.Now()
		err := s.sanitizeRequestBody(r, sessionID)
		if s.m != nil {
			s.m.RecordSanitizeLatency(time.Since(sanitizeStart))
		}
		if err != nil {
			log.Printf("[HTTP] Sanitize error for %s: %v", domain, err)
			if s.m != nil {
				s.m.ErrorsSanitize.Add(1)
			}
		}
		s.forwardAndReconcile(w, r, sessionID)
		return
	}

	s.forward(w, r)
}

// sessionIDFor derives a stable session identifier for reconciling a
// response against the tokens minted while sanitizing its request. Callers
// that want cross-request session continuity should set this header
// upstream of the proxy; otherwise each request is its own session.
func sessionIDFor(r *http.Request) string {
	if sid := r.Header.Get("X-Gateway-Session-Id"); sid != "" {
		return sid
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	prepareForward(r)
	resp, err := s.transport.RoundTrip(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// forwardAndReconcile forwards the (already sanitized) request and reconciles
// tokens out of the response before it reaches the client, streaming SSE
// bodies through ReconcileStream and buffering everything else.
func (s *Server) forwardAndReconcile(w http.ResponseWriter, r *http.Request, sessionID string) {
	prepareForward(r)
	started := time.Now()
	resp, err := s.transport.RoundTrip(r)
	if s.m != nil {
		s.m.RecordUpstreamLatency(time.Since(started))
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		if s.m != nil {
			s.m.ErrorsUpstream.Add(1)
		}
		return
	}
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if isEventStream(resp.Header) {
		stream := ReconcileStream(resp.Body, sessionID, s.eng, s.m)
		defer stream.Close()
		flushingCopy(w, stream)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	reconcileStart := time.Now()
	result, err := s.eng.Reconcile(sessionID, string(body))
	if s.m != nil {
		s.m.RecordReconcileLatency(time.Since(reconcileStart))
	}
	if err != nil {
		log.Printf("[HTTP] Reconcile error: %v", err)
		w.Write(body) //nolint:errcheck
		return
	}
	if s.m != nil {
		s.m.TokensReconciled.Add(int64(len(result.DecodedValues)))
		s.m.TokensMissing.Add(int64(len(result.MissingTokens)))
	}
	w.Write([]byte(result.Text)) //nolint:errcheck
}

func isEventStream(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

func prepareForward(r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	r.RequestURI = ""
	removeHopByHop(r.Header)
}

// sanitizeRequestBody walks the JSON request body, sanitizes every string
// leaf through the engine, and injects a system instruction telling the
// model to echo tokens back verbatim whenever at least one was minted.
func (s *Server) sanitizeRequestBody(r *http.Request, sessionID string) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		result, sErr := s.eng.Sanitize(sessionID, string(raw))
		if sErr != nil {
			return sErr
		}
		r.Body = io.NopCloser(bytes.NewReader([]byte(result.SanitizedText)))
		r.ContentLength = int64(len(result.SanitizedText))
		return nil
	}

	model := ""
	if m, ok := doc.(map[string]any); ok {
		if v, ok := m["model"].(string); ok {
			model = v
		}
	}

	tokensCreated := 0
	sanitized, err := walkAndSanitize(doc, sessionID, s.eng, &tokensCreated)
	if err != nil {
		return err
	}
	if s.m != nil && tokensCreated > 0 {
		s.m.TokensCreated.Add(int64(tokensCreated))
	}

	if m, ok := sanitized.(map[string]any); ok && tokensCreated > 0 {
		injectTokenInstruction(m, s.cfg.ResolvePIIInstruction(model))
	}

	out, err := json.Marshal(sanitized)
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))
		return nil
	}

	r.Body = io.NopCloser(bytes.NewReader(out))
	r.ContentLength = int64(len(out))
	return nil
}

// walkAndSanitize recursively sanitizes string leaves of a JSON-decoded
// value, skipping structural fields that never carry user content.
func walkAndSanitize(v any, sessionID string, eng *engine.Engine, created *int) (any, error) {
	switch val := v.(type) {
	case string:
		result, err := eng.Sanitize(sessionID, val)
		if err != nil {
			return nil, err
		}
		*created += result.TokensCreated
		return result.SanitizedText, nil
	case []any:
		for i, item := range val {
			sanitizedItem, err := walkAndSanitize(item, sessionID, eng, created)
			if err != nil {
				return nil, err
			}
			val[i] = sanitizedItem
		}
		return val, nil
	case map[string]any:
		skip := map[string]bool{
			"model": true, "temperature": true, "max_tokens": true,
			"top_p": true, "stream": true, "n": true,
		}
		for k, item := range val {
			if skip[k] {
				continue
			}
			sanitizedItem, err := walkAndSanitize(item, sessionID, eng, created)
			if err != nil {
				return nil, err
			}
			val[k] = sanitizedItem
		}
		return val, nil
	}
	return v, nil
}

// injectTokenInstruction appends the given instruction to the request's
// system prompt. It handles two API shapes:
//
//   - Anthropic messages API: top-level "system" field (string or content-block array)
//   - OpenAI-compatible API:  first "messages" entry with role "system"
//
// If neither shape is found, the function is a no-op — non-chat endpoints
// (embeddings, completions) don't carry a system prompt to inject into.
func injectTokenInstruction(doc map[string]any, instruction string) {
	if instruction == "" {
		return
	}
	if sys, ok := doc["system"]; ok {
		switch s := sys.(type) {
		case string:
			if s == "" {
				doc["system"] = instruction
			} else {
				doc["system"] = s + "\n\n" + instruction
			}
			return
		case []any:
			doc["system"] = append(s, map[string]any{
				"type": "text",
				"text": instruction,
			})
			return
		}
	}

	if msgs, ok := doc["messages"].([]any); ok {
		for _, m := range msgs {
			if msg, ok := m.(map[string]any); ok && msg["role"] == "system" {
				if content, ok := msg["content"].(string); ok {
					if content == "" {
						msg["content"] = instruction
					} else {
						msg["content"] = content + "\n\n" + instruction
					}
				}
				return
			}
		}
		systemMsg := map[string]any{
			"role":    "system",
			"content": instruction,
		}
		doc["messages"] = append([]any{systemMsg}, msgs...)
	}
}

func (s *Server) isAuthRequest(domain, path string) bool {
	if s.authDomains[domain] {
		return true
	}
	authPrefixes := []string{"auth.", "login.", "accounts.", "sso.", "oauth."}
	for _, prefix := range authPrefixes {
		if strings.HasPrefix(domain, prefix) {
			return true
		}
	}
	for authPath := range s.authPaths {
		if strings.HasPrefix(path, authPath) {
			return true
		}
	}
	return false
}

// ReverseProxy returns an httputil.ReverseProxy-based handler for testing.
func (s *Server) ReverseProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: s.transport,
	}
}

// --- helpers ---

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, v := range items {
		m[v] = true
	}
	return m
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func removeHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// isPrivateIP reports whether ip falls in a loopback, link-local, or
// RFC1918-style private range.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		default:
			return false
		}
	}

	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true // unique local fc00::/7
	}
	return false
}

// isPrivateHost reports whether host (optionally with a port, optionally an
// IPv6 literal in brackets) is a loopback or private-network literal. It
// only inspects literals — it never performs a DNS lookup, since resolving
// here and dialing later would be a TOCTOU gap an attacker could race.
func isPrivateHost(host string) bool {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	h = strings.Trim(h, "[]")

	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return isPrivateIP(ip)
}

// ssrfSafeDialContext wraps dialer so that outbound connections resolving to
// a private or loopback address are refused, even when the target was
// reached via a DNS name rather than an IP literal (rebinding protection).
func ssrfSafeDialContext(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && isPrivateIP(tcpAddr.IP) {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("refusing connection to private address %s", tcpAddr.IP)
		}
		return conn, nil
	}
}

// flushingCopy copies src to dst, flushing after every write when dst
// implements http.Flusher. Plain io.Copy buffers until its internal buffer
// fills, which adds seconds of latency to a token-by-token SSE stream.
func flushingCopy(dst io.Writer, src io.Reader) {
	flusher, canFlush := dst.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}
