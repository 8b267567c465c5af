package embedding

import (
	"fmt"
	"math"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

// Client wraps the OpenAI client for embedding generation.
type Client struct {
	client *openai.Client
}

// NewClient creates an OpenAI client for embedding generation.
// baseURL may point at any OpenAI-compatible server (for example a local
// sentence-transformers endpoint); empty keeps the public API.
// requestsPerSecond > 0 throttles every request made through the client,
// retries included.
func NewClient(apiKey, baseURL string, requestsPerSecond float64) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if requestsPerSecond > 0 {
		opts = append(opts, option.WithMiddleware(rateLimit(requestsPerSecond)))
	}
	client := openai.NewClient(opts...)

	return &Client{client: &client}, nil
}

// rateLimit returns middleware that waits on a token bucket before each request.
func rateLimit(requestsPerSecond float64) option.Middleware {
	burst := max(1, int(math.Ceil(requestsPerSecond)))
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)

	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		if err := limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
		return next(req)
	}
}

// Client returns the underlying OpenAI client for use in other packages (e.g., summary generation).
func (c *Client) Client() *openai.Client {
	return c.client
}
