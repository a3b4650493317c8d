package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tls2 "github.com/refraction-networking/utls"
	"golang.org/x/net/html"
)

// hydrationMarkers are substrings whose presence means the page body
// carries server-rendered state worth extracting. Their absence means
// the response is a JS shell or an interstitial and the fetch must
// escalate to a browser engine.
var hydrationMarkers = []string{
	"__UNIVERSAL_DATA_FOR_REHYDRATION__",
	"SIGI_STATE",
	`data-e2e="followers-count"`,
	`data-e2e="like-count"`,
}

// HTTPEngine fetches pages over plain HTTP with a Chrome TLS fingerprint
// (utls). It is the cheapest tier: no browser, no session, one request.
type HTTPEngine struct {
	userAgent string
	proxy     string
	timeout   time.Duration
}

// NewHTTPEngine creates an HTTPEngine presenting the given user agent
// and optional proxy.
func NewHTTPEngine(userAgent, proxy string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{userAgent: userAgent, proxy: proxy, timeout: timeout}
}

func (e *HTTPEngine) Name() string { return "http" }

// Fetch retrieves the target URL. It refuses scroll-bearing requests and
// fails when the body carries no hydration payload, so the dispatcher
// escalates to a browser engine.
func (e *HTTPEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if req.ScrollRounds > 0 {
		return nil, fmt.Errorf("http: scroll depth %d requires a browser", req.ScrollRounds)
	}

	timeout := e.timeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSChrome(ctx, network, addr, e.proxy)
		},
	}
	if e.proxy != "" {
		if proxyURL, err := url.Parse(e.proxy); err == nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{Transport: transport}
	defer client.CloseIdleConnections()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Target.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("http: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", e.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http: HTTP %d for %s", resp.StatusCode, req.Target.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024)) // 10 MB cap
	if err != nil {
		return nil, fmt.Errorf("http: read body: %w", err)
	}

	if !looksHydrated(body) {
		return nil, fmt.Errorf("http: %s served without server-rendered state", req.Target.URL)
	}

	finalURL := req.Target.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &FetchResult{
		HTML:       string(body),
		FinalURL:   finalURL,
		StatusCode: resp.StatusCode,
		EngineName: e.Name(),
	}, nil
}

// looksHydrated reports whether the body contains server-rendered state.
// A near-empty visible body is rejected regardless of markers: captcha
// interstitials echo the hydration script name without the data.
func looksHydrated(body []byte) bool {
	marked := false
	for _, m := range hydrationMarkers {
		if bytes.Contains(body, []byte(m)) {
			marked = true
			break
		}
	}
	if !marked {
		return false
	}
	return len(visibleText(body)) >= 64
}

// dialTLSChrome establishes a TLS connection using a Chrome fingerprint
// via utls.
func dialTLSChrome(ctx context.Context, network, addr, proxy string) (net.Conn, error) {
	var rawConn net.Conn
	var err error

	dialer := &net.Dialer{}

	if proxy != "" {
		proxyURL, parseErr := url.Parse(proxy)
		if parseErr == nil && (proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h") {
			socksConn, socksErr := dialer.DialContext(ctx, "tcp", proxyURL.Host)
			if socksErr != nil {
				return nil, fmt.Errorf("socks5 dial: %w", socksErr)
			}
			rawConn = socksConn
		}
	}

	if rawConn == nil {
		rawConn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls2.UClient(rawConn, &tls2.Config{
		ServerName:         host,
		InsecureSkipVerify: false,
	}, tls2.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// visibleText extracts the visible text from within <body>, stripping
// all tags and <script>/<style> content. Heuristic use only.
func visibleText(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	var buf strings.Builder
	inBody := false
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return buf.String()
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if tag == "body" {
				inBody = true
			}
			if tag == "script" || tag == "style" || tag == "noscript" {
				skipDepth++
			}
		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tag := string(tn)
			if tag == "script" || tag == "style" || tag == "noscript" {
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case html.TextToken:
			if inBody && skipDepth == 0 {
				text := strings.TrimSpace(string(tokenizer.Text()))
				if text != "" {
					buf.WriteString(text)
					buf.WriteByte(' ')
				}
			}
		}
	}
}
