package utility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/common"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/types"
)

const (
	nationalGridLoginPath      = "auth/login"
	nationalGridGraphQLPath    = "graphql"
	nationalGridAmiPath        = "ami/energy-usages"
	nationalGridIntervalPath   = "interval-reads"
	nationalGridTimeout        = time.Minute
	nationalGridIntervalLayout = "2006-01-02 15:04:05"
)

// NationalGrid implements Client against the National Grid customer API.
// Billing data is served over GraphQL while smart meter data comes from REST
// endpoints. The session token is refreshed once when a request comes back
// unauthorized.
type NationalGrid struct {
	client   *http.Client
	apiURL   string
	loginURL string
	username string
	password string

	maxRetries    uint64
	retryInterval time.Duration

	mu    sync.Mutex
	token string
}

// NewNationalGrid returns a client for the given credentials using the
// production endpoints.
func NewNationalGrid(username, password string) *NationalGrid {
	return &NationalGrid{
		client:        common.SessionClient(nationalGridTimeout),
		apiURL:        "https://myaccount.nationalgrid.com/api",
		loginURL:      "https://login.nationalgrid.com",
		username:      username,
		password:      password,
		maxRetries:    3,
		retryInterval: time.Second,
	}
}

// Configured sets up the National Grid client from flags.
func Configured() *NationalGrid {
	username := lflag.String("natgrid-username", "", "National Grid account username (email)")
	password := lflag.String("natgrid-password", "", "National Grid account password")
	apiURL := lflag.String("natgrid-api-url", "https://myaccount.nationalgrid.com/api", "Base URL for the National Grid API")
	loginURL := lflag.String("natgrid-login-url", "https://login.nationalgrid.com", "Base URL for the National Grid login service")

	n := NewNationalGrid("", "")

	lflag.Do(func() {
		n.username = *username
		n.password = *password
		n.apiURL = *apiURL
		n.loginURL = *loginURL
	})

	return n
}

// Validate checks that credentials were provided.
func (n *NationalGrid) Validate() error {
	if n.username == "" {
		return errors.New("natgrid-username is required")
	}
	if n.password == "" {
		return errors.New("natgrid-password is required")
	}
	return nil
}

// Close ends the session. A later call logs in again.
func (n *NationalGrid) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.token = ""
	n.client.CloseIdleConnections()
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResult struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

func (n *NationalGrid) login(ctx context.Context) (string, error) {
	if n.username == "" || n.password == "" {
		return "", fmt.Errorf("%w: missing username or password", ErrInvalidAuth)
	}

	var res loginResult
	err := n.send(ctx, func() (*http.Request, error) {
		return newPostJSONRequest(ctx, n.loginURL, nationalGridLoginPath, loginRequest{
			Username: n.username,
			Password: n.password,
		})
	}, &res)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			log.Ctx(ctx).WarnContext(ctx, "national grid login rejected", slog.Int("status", apiErr.StatusCode))
			return "", fmt.Errorf("%w: %s", ErrInvalidAuth, apiErr.Message)
		}
		return "", fmt.Errorf("login failed: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("%w: login returned no token", ErrProvider)
	}
	log.Ctx(ctx).DebugContext(ctx, "national grid login success", slog.String("username", n.username))
	return res.AccessToken, nil
}

func (n *NationalGrid) ensureLogin(ctx context.Context) error {
	if n.token != "" {
		return nil
	}
	token, err := n.login(ctx)
	if err != nil {
		return err
	}
	n.token = token
	return nil
}

// call performs an authenticated request. The caller must hold n.mu.
func (n *NationalGrid) call(ctx context.Context, build func() (*http.Request, error), dest interface{}) error {
	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		if err := n.ensureLogin(ctx); err != nil {
			return err
		}
		token := n.token
		err := n.send(ctx, func() (*http.Request, error) {
			req, err := build()
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			return req, nil
		}, dest)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			n.token = ""
			if i == 0 {
				log.Ctx(ctx).DebugContext(ctx, "national grid token expired")
				continue
			}
			return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
		}
		return err
	}
	return fmt.Errorf("%w: still unauthorized after login", ErrInvalidAuth)
}

// send performs a request, retrying transient failures with exponential
// backoff. build is called for every attempt so request bodies can be re-read.
func (n *NationalGrid) send(ctx context.Context, build func() (*http.Request, error), dest interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.retryInterval
	b.MaxElapsedTime = 2 * time.Minute

	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := n.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Ctx(ctx).DebugContext(ctx, "national grid request failed", slog.String("url", req.URL.Path), slog.Any("error", err))
			return fmt.Errorf("%w: %w", ErrCannotConnect, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %w", ErrCannotConnect, err)
		}

		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			log.Ctx(ctx).DebugContext(ctx, "national grid transient error", slog.String("url", req.URL.Path), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("%w: %w", ErrRetryExhausted, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)})
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)})
		}

		if dest != nil {
			if err := json.Unmarshal(body, dest); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to decode national grid response", slog.String("url", req.URL.Path), slog.Any("error", err))
				return backoff.Permanent(fmt.Errorf("%w: decoding response: %w", ErrProvider, err))
			}
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, n.maxRetries), ctx))
}

// errorMessage extracts a message from an error body, falling back to the raw
// text.
func errorMessage(body []byte) string {
	var res struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &res); err == nil {
		if res.Message != "" {
			return res.Message
		}
		if res.Error != "" {
			return res.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func newPostJSONRequest(ctx context.Context, baseURL, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func newGetRequest(ctx context.Context, baseURL, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// graphQL runs a query and decodes its data field into dest. The caller must
// hold n.mu.
func (n *NationalGrid) graphQL(ctx context.Context, query string, vars map[string]interface{}, dest interface{}) error {
	var res graphQLResponse
	err := n.call(ctx, func() (*http.Request, error) {
		return newPostJSONRequest(ctx, n.apiURL, nationalGridGraphQLPath, graphQLRequest{
			Query:     query,
			Variables: vars,
		})
	}, &res)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, len(res.Errors))
		for i, e := range res.Errors {
			msgs[i] = e.Message
		}
		return &APIError{Message: strings.Join(msgs, "; ")}
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return &APIError{Message: "empty response data"}
	}
	if err := json.Unmarshal(res.Data, dest); err != nil {
		return fmt.Errorf("%w: decoding graphql data: %w", ErrProvider, err)
	}
	return nil
}

const linkedAccountsQuery = `query LinkedAccounts {
  user {
    accountLinks {
      nodes { billingAccountId }
    }
  }
}`

// LinkedAccounts implements Client.
func (n *NationalGrid) LinkedAccounts(ctx context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var res struct {
		User struct {
			AccountLinks struct {
				Nodes []struct {
					BillingAccountID string `json:"billingAccountId"`
				} `json:"nodes"`
			} `json:"accountLinks"`
		} `json:"user"`
	}
	if err := n.graphQL(ctx, linkedAccountsQuery, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to get linked accounts: %w", err)
	}
	var ids []string
	for _, node := range res.User.AccountLinks.Nodes {
		if node.BillingAccountID != "" {
			ids = append(ids, node.BillingAccountID)
		}
	}
	return ids, nil
}

const billingAccountQuery = `query BillingAccount($accountNumber: String!) {
  billingAccount(accountNumber: $accountNumber) {
    billingAccountId
    region
    regionAbbreviation
    premiseNumber
    customerNumber
    customerInfo { customerType }
    serviceAddress { serviceAddressCompressed }
    meter {
      nodes {
        servicePointNumber
        meterNumber
        meterPointNumber
        fuelType
        hasAmiSmartMeter
        isSmartMeter
        deviceCode
      }
    }
  }
}`

// BillingAccount implements Client.
func (n *NationalGrid) BillingAccount(ctx context.Context, accountID string) (types.BillingAccount, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var res struct {
		BillingAccount *types.BillingAccount `json:"billingAccount"`
	}
	err := n.graphQL(ctx, billingAccountQuery, map[string]interface{}{"accountNumber": accountID}, &res)
	if err != nil {
		return types.BillingAccount{}, fmt.Errorf("failed to get billing account %s: %w", accountID, err)
	}
	if res.BillingAccount == nil {
		return types.BillingAccount{}, &APIError{Message: fmt.Sprintf("billing account %s not found", accountID)}
	}
	ba := *res.BillingAccount
	if ba.BillingAccountID == "" {
		ba.BillingAccountID = accountID
	}
	return ba, nil
}

const energyUsagesQuery = `query EnergyUsages($accountNumber: String!, $from: Int!) {
  energyUsages(accountNumber: $accountNumber, from: $from) {
    nodes { usageType usageYearMonth usage }
  }
}`

// EnergyUsages implements Client.
func (n *NationalGrid) EnergyUsages(ctx context.Context, accountID string, fromMonth int) ([]types.EnergyUsage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var res struct {
		EnergyUsages struct {
			Nodes []types.EnergyUsage `json:"nodes"`
		} `json:"energyUsages"`
	}
	err := n.graphQL(ctx, energyUsagesQuery, map[string]interface{}{
		"accountNumber": accountID,
		"from":          fromMonth,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("failed to get energy usages for %s: %w", accountID, err)
	}
	return res.EnergyUsages.Nodes, nil
}

const energyUsageCostsQuery = `query EnergyUsageCosts($accountNumber: String!, $date: Date!, $companyCode: String!) {
  energyUsageCosts(accountNumber: $accountNumber, date: $date, companyCode: $companyCode) {
    nodes { fuelType month totalCost }
  }
}`

// EnergyUsageCosts implements Client.
func (n *NationalGrid) EnergyUsageCosts(ctx context.Context, accountID string, queryDate time.Time, companyCode string) ([]types.EnergyUsageCost, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var res struct {
		EnergyUsageCosts struct {
			Nodes []types.EnergyUsageCost `json:"nodes"`
		} `json:"energyUsageCosts"`
	}
	err := n.graphQL(ctx, energyUsageCostsQuery, map[string]interface{}{
		"accountNumber": accountID,
		"date":          queryDate.Format(time.DateOnly),
		"companyCode":   companyCode,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("failed to get energy costs for %s: %w", accountID, err)
	}
	return res.EnergyUsageCosts.Nodes, nil
}

// AmiEnergyUsages implements Client.
func (n *NationalGrid) AmiEnergyUsages(ctx context.Context, meter types.AmiMeterIdentifier, dateFrom, dateTo time.Time) ([]types.AmiEnergyUsage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	params := url.Values{}
	params.Set("meterNumber", meter.MeterNumber)
	params.Set("premiseNumber", meter.PremiseNumber)
	params.Set("servicePointNumber", meter.ServicePointNumber)
	params.Set("meterPointNumber", meter.MeterPointNumber)
	params.Set("dateFrom", dateFrom.Format(time.DateOnly))
	params.Set("dateTo", dateTo.Format(time.DateOnly))

	var res []types.AmiEnergyUsage
	err := n.call(ctx, func() (*http.Request, error) {
		return newGetRequest(ctx, n.apiURL, nationalGridAmiPath, params)
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("failed to get ami usages for %s: %w", meter.ServicePointNumber, err)
	}
	return res, nil
}

// IntervalReads implements Client.
func (n *NationalGrid) IntervalReads(ctx context.Context, premiseNumber, servicePointNumber string, start time.Time) ([]types.IntervalRead, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	params := url.Values{}
	params.Set("premiseNumber", premiseNumber)
	params.Set("servicePointNumber", servicePointNumber)
	params.Set("startDateTime", start.UTC().Format(nationalGridIntervalLayout))

	var res []types.IntervalRead
	err := n.call(ctx, func() (*http.Request, error) {
		return newGetRequest(ctx, n.apiURL, nationalGridIntervalPath, params)
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("failed to get interval reads for %s: %w", servicePointNumber, err)
	}
	return res, nil
}
