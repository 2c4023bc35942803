// SPDX-License-Identifier: MIT

package subtitle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/telecast-tv/telecast/internal/log"
	"github.com/telecast-tv/telecast/internal/metrics"
	"github.com/telecast-tv/telecast/internal/playback"
)

// Variant identifies one entry of the fallback request chain. The default
// ordering is inherited from real-world server quirks; it is configurable
// rather than hard-coded.
type Variant string

const (
	VariantQueryToken          Variant = "query-token"
	VariantHeaderToken         Variant = "header-token"
	VariantQueryTokenDownload  Variant = "query-token-download"
	VariantHeaderTokenDownload Variant = "header-token-download"
	VariantTranscode           Variant = "transcode"
	VariantAltTransport        Variant = "alt-transport"
	VariantLANHost             Variant = "lan-host"
)

// DefaultChain returns the default fallback ordering.
func DefaultChain() []Variant {
	return []Variant{
		VariantQueryToken,
		VariantHeaderToken,
		VariantQueryTokenDownload,
		VariantHeaderTokenDownload,
		VariantTranscode,
		VariantAltTransport,
		VariantLANHost,
	}
}

const (
	authHeader   = "X-Auth-Token"
	maxBodyBytes = 16 << 20
)

var errAllVariantsFailed = errors.New("subtitle: every fetch variant failed")

// FetcherConfig tunes the network fallback fetcher.
type FetcherConfig struct {
	Chain   []Variant
	Timeout time.Duration // per-attempt timeout, default 15s
	// Client overrides the primary HTTP client (tests).
	Client *http.Client
	// AltClient overrides the alternate-transport client (tests).
	AltClient *http.Client
}

// Fetcher downloads subtitle bodies through the ordered fallback chain.
type Fetcher struct {
	chain     []Variant
	timeout   time.Duration
	client    *http.Client
	altClient *http.Client
	lg        zerolog.Logger
}

// NewFetcher builds a Fetcher. The alternate client runs on a separate
// transport with keep-alives and HTTP/2 disabled, for hosts whose streaming
// transport misbehaves on edge cases.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	chain := cfg.Chain
	if len(chain) == 0 {
		chain = DefaultChain()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	altClient := cfg.AltClient
	if altClient == nil {
		altClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
				ForceAttemptHTTP2: false,
				TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
			},
		}
	}
	return &Fetcher{
		chain:     chain,
		timeout:   timeout,
		client:    client,
		altClient: altClient,
		lg:        log.WithComponent("subtitle.fetch"),
	}
}

// Fetch walks the fallback chain until one variant yields a usable subtitle
// body. The returned variant names the winning strategy.
func (f *Fetcher) Fetch(ctx context.Context, fc *playback.SubtitleFetchContext, track playback.SubtitleTrack) ([]byte, Variant, error) {
	if fc == nil {
		return nil, "", errors.New("subtitle: no fetch context on descriptor")
	}
	direct := f.directURL(fc, track)
	if direct == "" {
		return nil, "", fmt.Errorf("subtitle: track %q has no usable source", track.ID)
	}

	var lastErr error
	for _, v := range f.chain {
		reqURL, client, err := f.buildAttempt(v, direct, fc, track)
		if err != nil {
			// Variant not applicable to this server (e.g. no LAN-host
			// derivation possible); move on.
			continue
		}

		body, err := f.attempt(ctx, client, reqURL, v, fc.Token)
		if err != nil {
			metrics.RecordSubtitleFallback(string(v), "error")
			f.lg.Debug().Err(err).
				Str(log.FieldVariant, string(v)).
				Str(log.FieldTrackID, track.ID).
				Msg("subtitle fetch variant failed")
			lastErr = err
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			continue
		}
		metrics.RecordSubtitleFallback(string(v), "ok")
		return body, v, nil
	}
	if lastErr == nil {
		lastErr = errAllVariantsFailed
	}
	return nil, "", fmt.Errorf("%w: %w", errAllVariantsFailed, lastErr)
}

// directURL picks the track's source path: explicit fetch key first, then
// the id-based library path for tracks fetchable via key.
func (f *Fetcher) directURL(fc *playback.SubtitleFetchContext, track playback.SubtitleTrack) string {
	base := strings.TrimRight(fc.BaseURI, "/")
	if track.FetchKey != "" {
		if strings.HasPrefix(track.FetchKey, "http") {
			return track.FetchKey
		}
		return base + "/" + strings.TrimLeft(track.FetchKey, "/")
	}
	if track.FetchableViaKey {
		return base + "/library/streams/" + url.PathEscape(track.ID)
	}
	return ""
}

func (f *Fetcher) buildAttempt(v Variant, direct string, fc *playback.SubtitleFetchContext, track playback.SubtitleTrack) (string, *http.Client, error) {
	switch v {
	case VariantQueryToken:
		return appendQuery(direct, map[string]string{"token": fc.Token}), f.client, nil
	case VariantQueryTokenDownload:
		return appendQuery(direct, map[string]string{"token": fc.Token, "download": "1"}), f.client, nil
	case VariantHeaderToken:
		return direct, f.client, nil
	case VariantHeaderTokenDownload:
		return appendQuery(direct, map[string]string{"download": "1"}), f.client, nil
	case VariantTranscode:
		base := strings.TrimRight(fc.BaseURI, "/")
		u := fmt.Sprintf("%s/video/subtitles/%s/extract", base, url.PathEscape(track.ID))
		return appendQuery(u, map[string]string{
			"session": fc.SessionID,
			"itemKey": fc.ItemKey,
			"token":   fc.Token,
		}), f.client, nil
	case VariantAltTransport:
		return appendQuery(direct, map[string]string{"token": fc.Token}), f.altClient, nil
	case VariantLANHost:
		lan := DeriveLANHost(direct)
		if lan == "" {
			return "", nil, errors.New("no LAN host derivable")
		}
		return appendQuery(lan, map[string]string{"token": fc.Token}), f.altClient, nil
	default:
		return "", nil, fmt.Errorf("unknown variant %q", v)
	}
}

func (f *Fetcher) attempt(ctx context.Context, client *http.Client, reqURL string, v Variant, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if v == VariantHeaderToken || v == VariantHeaderTokenDownload {
		req.Header.Set(authHeader, token)
	}
	req.Header.Set("Accept", "text/plain, text/vtt, application/x-subrip, */*")

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subtitle fetch: HTTP %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("subtitle fetch: empty body")
	}
	if LooksLikeHTML(body) {
		return nil, errors.New("subtitle fetch: response is an HTML page, not subtitle text")
	}
	return body, nil
}

func appendQuery(raw string, params map[string]string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, v := range params {
		if v == "" {
			continue
		}
		// never clobber a token the URL already carries
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// dashedIPv4 matches hostnames embedding a dashed IPv4, the shape LAN
// proxying hostnames use ("192-168-1-10.abcdef.media.direct").
var dashedIPv4 = regexp.MustCompile(`^(\d{1,3})-(\d{1,3})-(\d{1,3})-(\d{1,3})\.`)

// DeriveLANHost rewrites a proxied hostname to its plain-HTTP LAN address,
// returning "" when the host does not embed a LAN IP.
func DeriveLANHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	m := dashedIPv4.FindStringSubmatch(u.Hostname())
	if m == nil {
		return ""
	}
	ip := net.ParseIP(fmt.Sprintf("%s.%s.%s.%s", m[1], m[2], m[3], m[4]))
	if ip == nil || !ip.IsPrivate() {
		return ""
	}
	host := ip.String()
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	u.Scheme = "http"
	u.Host = host
	return u.String()
}
