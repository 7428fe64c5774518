package proxy

import (
	"net/http"
	"strconv"

	"github.com/louply/offramp/internal/cache"
)

// result is the strategy-neutral response shape handed back to the handler.
type result struct {
	status     int
	statusText string
	header     http.Header
	body       []byte
	fromCache  bool
	strategy   string
}

func resultFromFetched(res fetched, strategy string) result {
	return result{
		status:     res.status,
		statusText: res.statusText,
		header:     res.header.Clone(),
		body:       res.body,
		strategy:   strategy,
	}
}

func resultFromEntry(entry cache.Entry, strategy string) result {
	header := make(http.Header, len(entry.Headers))
	for name, value := range entry.Headers {
		header.Set(name, value)
	}
	return result{
		status:     entry.Status,
		statusText: entry.StatusText,
		header:     header,
		body:       entry.Body,
		fromCache:  true,
		strategy:   strategy,
	}
}

// offlineErrorResult is the structured API failure: the offline flag tells
// clients the request never reached the server.
func (s *Strategies) offlineErrorResult(message string) result {
	body := s.fallback.OfflineError(message)
	return result{
		status:     http.StatusServiceUnavailable,
		statusText: http.StatusText(http.StatusServiceUnavailable),
		header: http.Header{
			"Content-Type": []string{"application/json; charset=utf-8"},
		},
		body:     body,
		strategy: strategyAPI,
	}
}

// offlinePageResult is the terminal navigation fallback when neither the
// page nor the reserved offline document is cached.
func (s *Strategies) offlinePageResult(path string) result {
	body := s.fallback.OfflinePage(path)
	return result{
		status:     http.StatusServiceUnavailable,
		statusText: http.StatusText(http.StatusServiceUnavailable),
		header: http.Header{
			"Content-Type": []string{"text/html; charset=utf-8"},
		},
		body:     body,
		strategy: strategyNavigation,
	}
}

// placeholderResult stands in for an unreachable icon.
func (s *Strategies) placeholderResult(path string) result {
	body := s.fallback.Placeholder(path)
	return result{
		status:     http.StatusNotFound,
		statusText: http.StatusText(http.StatusNotFound),
		header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		body:     body,
		strategy: strategyStatic,
	}
}

func (s *Strategies) badGatewayResult(strategy string, err error) result {
	body := []byte(http.StatusText(http.StatusBadGateway))
	if err != nil {
		body = []byte("upstream unreachable: " + err.Error())
	}
	return result{
		status:     http.StatusBadGateway,
		statusText: http.StatusText(http.StatusBadGateway),
		header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		body:     body,
		strategy: strategy,
	}
}

func (s *Strategies) notFoundResult() result {
	return result{
		status:     http.StatusNotFound,
		statusText: http.StatusText(http.StatusNotFound),
		header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		body:     []byte(http.StatusText(http.StatusNotFound)),
		strategy: strategyOther,
	}
}

func writeResult(w http.ResponseWriter, res result) {
	header := w.Header()
	for name, values := range res.header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	// The body is a fully-read snapshot, so the length is authoritative here;
	// a stale origin or cache value must not survive.
	header.Set("Content-Length", strconv.Itoa(len(res.body)))
	w.WriteHeader(res.status)
	_, _ = w.Write(res.body)
}
