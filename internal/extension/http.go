package extension

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-runtime/bridge/internal/infrastructure/resilience"
)

var (
	errUpstreamStatus = errors.New("upstream returned a server error")
	errPrivateAddress = errors.New("private network address")
)

var httpMethods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"delete": http.MethodDelete,
}

// HTTPOptions configures the http extension
type HTTPOptions struct {
	Timeout      time.Duration
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit is requests per second across all handlers; <= 0 is unlimited
	RateLimit float64
	Burst     int
	// AllowedHosts restricts targets to these hosts and their subdomains.
	// Empty allows any host.
	AllowedHosts []string
	// AllowPrivateNetworks permits loopback, private, link-local and
	// unspecified targets. They are refused by default.
	AllowPrivateNetworks bool
	UserAgent            string
	Logger       *zap.Logger
}

// HTTP is the http extension: $ext.http.get(url, body?, headers?) and the
// post, put and delete variants. Calls resolve to {status, headers, body};
// non-2xx replies resolve too, transport failures reject.
type HTTP struct {
	client       *resty.Client
	limiter      *rate.Limiter
	breaker      *resilience.Breaker
	allowedHosts []string
	allowPrivate bool
	logger       *zap.Logger
}

// NewHTTP builds the extension over a retrying transport guarded by a
// circuit breaker
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "nexus-runtime/1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ext.http")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug("retrying request",
				zap.String("method", req.Method),
				zap.String("host", req.URL.Host),
				zap.Int("attempt", attempt))
		}
	}

	if !opts.AllowPrivateNetworks {
		// resolved addresses are checked at dial time so DNS names that
		// point inside the network are refused too
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second, Control: refusePrivate}
		if tr, ok := retryClient.HTTPClient.Transport.(*http.Transport); ok {
			tr.DialContext = dialer.DialContext
		}
	}

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(burst, 1))
	}

	breaker := resilience.New("ext-http", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 10 ||
				(c.Requests >= 20 && float64(c.TotalFailures)/float64(c.Requests) > 0.7)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})

	hosts := make([]string, 0, len(opts.AllowedHosts))
	for _, h := range opts.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}

	return &HTTP{
		client:       client,
		limiter:      limiter,
		breaker:      breaker,
		allowedHosts: hosts,
		allowPrivate: opts.AllowPrivateNetworks,
		logger:       logger,
	}
}

// Name implements Extension
func (h *HTTP) Name() string { return "http" }

// Methods implements Extension
func (h *HTTP) Methods() []string { return []string{"delete", "get", "post", "put"} }

// BreakerState reports the upstream circuit state
func (h *HTTP) BreakerState() resilience.State { return h.breaker.State() }

// Call implements Extension
func (h *HTTP) Call(ctx context.Context, method string, args []any) (any, error) {
	verb, ok := httpMethods[method]
	if !ok {
		return nil, fmt.Errorf("http.%s is not supported", method)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("http.%s: url is required", method)
	}
	target, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("http.%s: url must be a string", method)
	}
	if err := h.checkTarget(target); err != nil {
		return nil, err
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req := h.client.R().SetContext(ctx)
	if len(args) > 1 && args[1] != nil {
		req.SetBody(args[1])
		if _, raw := args[1].(string); !raw {
			req.SetHeader("Content-Type", "application/json")
		}
	}
	if len(args) > 2 {
		headers, ok := args[2].(map[string]any)
		if !ok && args[2] != nil {
			return nil, fmt.Errorf("http.%s: headers must be an object", method)
		}
		for k, v := range headers {
			req.SetHeader(k, fmt.Sprint(v))
		}
	}

	resp, err := resilience.Do(h.breaker, func() (*resty.Response, error) {
		resp, err := req.Execute(verb, target)
		if err == nil && resp.StatusCode() >= http.StatusInternalServerError {
			return resp, errUpstreamStatus
		}
		return resp, err
	})
	switch {
	case errors.Is(err, errUpstreamStatus):
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return nil, fmt.Errorf("http.%s %s: upstream unavailable: %w", method, target, err)
	case err != nil:
		return nil, fmt.Errorf("http.%s %s: %w", method, target, err)
	}

	h.logger.Debug("request completed",
		zap.String("method", verb),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", resp.Time()))
	return responseValue(resp), nil
}

func (h *HTTP) checkTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !h.allowPrivate {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") {
			return fmt.Errorf("host %s: %w", host, errPrivateAddress)
		}
		if addr, err := netip.ParseAddr(host); err == nil && isPrivate(addr) {
			return fmt.Errorf("host %s: %w", host, errPrivateAddress)
		}
	}
	if len(h.allowedHosts) == 0 {
		return nil
	}
	for _, allowed := range h.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("host %s is not allowed", host)
}

func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast()
}

func refusePrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	if isPrivate(ap.Addr()) {
		return fmt.Errorf("dial %s: %w", address, errPrivateAddress)
	}
	return nil
}

// responseValue shapes a reply for the handler. JSON bodies are decoded,
// anything else is returned as text.
func responseValue(resp *resty.Response) map[string]any {
	headers := make(map[string]any, len(resp.Header()))
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	var body any = resp.String()
	if strings.Contains(resp.Header().Get("Content-Type"), "json") && len(resp.Body()) > 0 {
		var decoded any
		if err := sonic.Unmarshal(resp.Body(), &decoded); err == nil {
			body = decoded
		}
	}

	return map[string]any{
		"status":  resp.StatusCode(),
		"headers": headers,
		"body":    body,
	}
}
