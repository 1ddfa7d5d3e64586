// Package cloudstack talks to the CloudStack API: signed GET requests,
// JSON responses and asynchronous jobs.
package cloudstack

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/pragmagrid/pragmactl/internal/poll"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultTemplateFilter    = "executable"
	DefaultRequestsPerSecond = 5

	jobPending = 0
	jobFailed  = 2
)

type Config struct {
	URL            string
	APIKey         string
	SecretKey      string
	TemplateFilter string
	// RequestsPerSecond throttles every call, job polls included.
	RequestsPerSecond float64
	Timeout           time.Duration
	Poll              poll.Config
}

type Client struct {
	endpoint       string
	apiKey         string
	secretKey      string
	templateFilter string
	http           *http.Client
	limiter        *rate.Limiter
	poll           poll.Config
	logger         logrus.FieldLogger

	zoneID     string
	offeringID string
}

func New(cfg Config, logger logrus.FieldLogger) (*Client, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errdefs.Configf("cloudstack needs url, api key and secret key")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errdefs.Configf("bad cloudstack url %q: %v", cfg.URL, err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	filter := cfg.TemplateFilter
	if filter == "" {
		filter = DefaultTemplateFilter
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Client{
		endpoint:       strings.TrimRight(cfg.URL, "?"),
		apiKey:         cfg.APIKey,
		secretKey:      cfg.SecretKey,
		templateFilter: filter,
		http:           &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), 1),
		poll:           cfg.Poll,
		logger:         logger.WithField("cloudstack", cfg.URL),
	}, nil
}

// signature is the base64 HMAC-SHA1 of the sorted, lower cased query.
func signature(params url.Values, secret string) string {
	query := strings.ReplaceAll(params.Encode(), "+", "%20")

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(query)))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Call runs command and returns the body of its "<command>response" object.
func (c *Client) Call(ctx context.Context, command string, params url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("command", command)
	query.Set("response", "json")
	query.Set("apikey", c.apiKey)

	endpoint := c.endpoint + "?" + query.Encode() + "&signature=" + url.QueryEscape(signature(query, c.secretKey))

	c.logger.WithField("command", command).Debug("sending request")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, errdefs.Backendf(command, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, errdefs.Backendf(command, err)
	}

	result := gjson.GetBytes(body, strings.ToLower(command)+"response")

	if resp.StatusCode != http.StatusOK {
		text := result.Get("errortext").String()
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, errdefs.Backendf(command, fmt.Errorf("%d: %s", resp.StatusCode, text))
	}
	if !result.Exists() {
		return gjson.Result{}, errdefs.Backendf(command, fmt.Errorf("missing %sresponse", strings.ToLower(command)))
	}

	return result, nil
}

// CallAndWait runs an asynchronous command and waits for its job result.
func (c *Client) CallAndWait(ctx context.Context, command string, params url.Values) (gjson.Result, error) {
	started, err := c.Call(ctx, command, params)
	if err != nil {
		return gjson.Result{}, err
	}

	jobID := started.Get("jobid").String()
	if jobID == "" {
		return gjson.Result{}, errdefs.Backendf(command, fmt.Errorf("no job id in response"))
	}

	return c.Wait(ctx, command, jobID)
}

// Wait polls queryAsyncJobResult until the job leaves the pending state.
func (c *Client) Wait(ctx context.Context, command, jobID string) (gjson.Result, error) {
	var job gjson.Result

	err := poll.Until(ctx, fmt.Sprintf("%s job %s", command, jobID), c.poll, func(ctx context.Context) (bool, error) {
		res, err := c.Call(ctx, "queryAsyncJobResult", url.Values{"jobid": {jobID}})
		if err != nil {
			return false, err
		}

		job = res
		return res.Get("jobstatus").Int() != jobPending, nil
	})
	if err != nil {
		return gjson.Result{}, err
	}

	if job.Get("jobstatus").Int() == jobFailed {
		return gjson.Result{}, errdefs.Backendf(command, fmt.Errorf("job %s failed: %s", jobID, job.Get("jobresult.errortext").String()))
	}

	return job.Get("jobresult"), nil
}
