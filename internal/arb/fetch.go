package arb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

var ErrFetchExhausted = errors.New("all download attempts failed")

const (
	fetchTries      = 3
	fetchProxyTries = 2

	// cap for bodies without a Content-Length
	maxUnsizedBody = 4 << 30
)

// Fetcher downloads net file sources into the cache. In-process writes
// happen on the calling goroutine, which the cache runs inside AsUser.
type Fetcher struct {
	Runner commandRunner
	Proxy  string
	Native bool

	clientOnce sync.Once
	client     *http.Client
}

// fetch downloads src into path until the result matches integ, trying the
// proxy as a last resort for http(s).
func (f *Fetcher) fetch(ctx context.Context, src *Source, integ IntegFile, path string) error {
	if f.tryFetch(ctx, src, integ, path, false, fetchTries) {
		return nil
	}
	if f.Proxy != "" && src.Protocol.isHTTP() {
		cPrintf(colWarn, "Retrying %s through proxy %s\n", src.Name, f.Proxy)
		if f.tryFetch(ctx, src, integ, path, true, fetchProxyTries) {
			return nil
		}
	}
	return fmt.Errorf("%s (%s): %w", src.Name, src.URL, ErrFetchExhausted)
}

func (f *Fetcher) tryFetch(ctx context.Context, src *Source, integ IntegFile, path string, viaProxy bool, tries int) bool {
	for attempt := 1; attempt <= tries && ctx.Err() == nil; attempt++ {
		stepf(colInfo, "Downloading %s (attempt %d/%d)\n", src.URL, attempt, tries)
		if err := f.download(ctx, src, path, viaProxy); err != nil {
			// partial files stay so curl can resume
			cPrintf(colWarn, "Failed to download %s: %v\n", src.URL, err)
			continue
		}
		if integ.validAt(path) {
			return true
		}
		cPrintf(colWarn, "Downloaded %s does not match its %s digest\n", src.Name, integ.Kind)
		os.Remove(path)
	}
	return false
}

func (f *Fetcher) download(ctx context.Context, src *Source, path string, viaProxy bool) error {
	switch src.Protocol {
	case ProtoFile:
		return cloneFile(src.URL[len("file://"):], path)
	case ProtoFTP:
		return f.Runner.Run(f.curl(viaProxy, "-qgfC", "-", "--ftp-pasv", "--retry", "3", "--retry-delay", "3", "-o", path, src.URL))
	case ProtoHTTP, ProtoHTTPS:
		if f.Native {
			return f.nativeDownload(ctx, src.URL, path, viaProxy)
		}
		return f.Runner.Run(f.curl(viaProxy, "-qgb", "", "-fLC", "-", "--retry", "3", "--retry-delay", "3", "-o", path, src.URL))
	case ProtoRsync:
		return f.Runner.Run(cleanEnv(exec.Command("rsync", "--no-motd", "-z", src.URL, path)))
	case ProtoSCP:
		return f.Runner.Run(cleanEnv(exec.Command("scp", "-C", src.URL, path)))
	}
	return fmt.Errorf("%w: cannot download %s source", ErrUnknownProtocol, src.Protocol)
}

func (f *Fetcher) curl(viaProxy bool, args ...string) *exec.Cmd {
	cmd := cleanEnv(exec.Command("curl", args...))
	if viaProxy {
		cmd.Env = append(cmd.Env, "http_proxy="+f.Proxy, "https_proxy="+f.Proxy)
	}
	return cmd
}

// cleanEnv keeps the user's environment from leaking proxy or rc settings
// into downloads.
func cleanEnv(cmd *exec.Cmd) *exec.Cmd {
	cmd.Env = []string{}
	return cmd
}

func (f *Fetcher) httpClient(viaProxy bool) (*http.Client, error) {
	if !viaProxy {
		f.clientOnce.Do(func() { f.client = newHTTPClient(nil) })
		return f.client, nil
	}
	proxyURL, err := url.Parse(f.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", f.Proxy, err)
	}
	return newHTTPClient(http.ProxyURL(proxyURL)), nil
}

func newHTTPClient(proxy func(*http.Request) (*url.URL, error)) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

// nativeDownload fetches url with the Go HTTP client, drawing a progress bar
// when stdout is a terminal.
func (f *Fetcher) nativeDownload(ctx context.Context, rawURL, dest string, viaProxy bool) error {
	client, err := f.httpClient(viaProxy)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var body io.Reader = resp.Body
	if resp.ContentLength < 0 {
		body = io.LimitReader(resp.Body, maxUnsizedBody)
	}
	var dst io.Writer = out
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading "+shortName(rawURL))
		defer bar.Close()
		dst = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(dst, body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.Close()
}

func shortName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return rawURL
}
