package utility

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/natgridstats/natgridstats/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNationalGrid(t *testing.T, handler http.Handler) *NationalGrid {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	n := NewNationalGrid("user@example.com", "secret")
	n.apiURL = srv.URL + "/api"
	n.loginURL = srv.URL + "/login"
	n.retryInterval = time.Millisecond
	return n
}

type testGraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// loginHandler accepts user@example.com/secret and returns tokens token-1,
// token-2 and so on.
func loginHandler(t *testing.T, logins *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username != "user@example.com" || req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(t, w, map[string]string{"message": "bad credentials"})
			return
		}
		n := logins.Add(1)
		writeJSON(t, w, map[string]interface{}{
			"accessToken": "token-" + string(rune('0'+n)),
			"expiresIn":   3600,
		})
	}
}

func TestNationalGridBillingAccount(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		var req testGraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, strings.Contains(req.Query, "query BillingAccount("))
		assert.Equal(t, "acct1", req.Variables["accountNumber"])

		writeJSON(t, w, map[string]interface{}{
			"data": map[string]interface{}{
				"billingAccount": map[string]interface{}{
					"billingAccountId": "acct1",
					"region":           "NY",
					"premiseNumber":    "P1",
					"customerInfo":     map[string]interface{}{"customerType": "RESIDENTIAL"},
					"serviceAddress":   map[string]interface{}{"serviceAddressCompressed": "123 main st, albany, ny"},
					"meter": map[string]interface{}{
						"nodes": []map[string]interface{}{
							{"servicePointNumber": "SP1", "meterNumber": "M1", "meterPointNumber": "MP1", "fuelType": "Electric", "hasAmiSmartMeter": true},
							{"servicePointNumber": "SP2", "meterNumber": "M2", "fuelType": "Gas"},
						},
					},
				},
			},
		})
	})
	n := newTestNationalGrid(t, mux)

	ba, err := n.BillingAccount(context.Background(), "acct1")
	require.NoError(t, err)
	assert.Equal(t, "acct1", ba.BillingAccountID)
	assert.Equal(t, "NY", ba.Region)
	assert.Equal(t, "P1", ba.PremiseNumber)
	assert.Equal(t, "RESIDENTIAL", ba.CustomerInfo.CustomerType)
	require.Len(t, ba.Meters(), 2)
	assert.Equal(t, types.FuelTypeElectric, ba.Meters()[0].FuelType)
	assert.True(t, ba.Meters()[0].HasAmiSmartMeter)
	assert.Equal(t, types.FuelTypeGas, ba.Meters()[1].FuelType)

	// the token is reused
	_, err = n.BillingAccount(context.Background(), "acct1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, logins.Load())
}

func TestNationalGridLinkedAccounts(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req testGraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, strings.Contains(req.Query, "query LinkedAccounts"))
		writeJSON(t, w, map[string]interface{}{
			"data": map[string]interface{}{
				"user": map[string]interface{}{
					"accountLinks": map[string]interface{}{
						"nodes": []map[string]string{
							{"billingAccountId": "acct1"},
							{"billingAccountId": ""},
							{"billingAccountId": "acct2"},
						},
					},
				},
			},
		})
	})
	n := newTestNationalGrid(t, mux)

	ids, err := n.LinkedAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1", "acct2"}, ids)
}

func TestNationalGridUsagesAndCosts(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req testGraphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch {
		case strings.Contains(req.Query, "query EnergyUsages("):
			assert.Equal(t, "acct1", req.Variables["accountNumber"])
			assert.EqualValues(t, 202401, req.Variables["from"])
			writeJSON(t, w, map[string]interface{}{
				"data": map[string]interface{}{
					"energyUsages": map[string]interface{}{
						"nodes": []map[string]interface{}{
							{"usageType": "TOTAL_KWH", "usageYearMonth": 202401, "usage": 500.5},
							{"usageType": "THERMS", "usageYearMonth": 202401, "usage": 40},
						},
					},
				},
			})
		case strings.Contains(req.Query, "query EnergyUsageCosts("):
			assert.Equal(t, "acct1", req.Variables["accountNumber"])
			assert.Equal(t, "2025-01-17", req.Variables["date"])
			assert.Equal(t, "NY", req.Variables["companyCode"])
			writeJSON(t, w, map[string]interface{}{
				"data": map[string]interface{}{
					"energyUsageCosts": map[string]interface{}{
						"nodes": []map[string]interface{}{
							{"fuelType": "ELECTRIC", "month": 202412, "totalCost": 120.25},
						},
					},
				},
			})
		default:
			t.Errorf("unexpected query: %s", req.Query)
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	n := newTestNationalGrid(t, mux)

	usages, err := n.EnergyUsages(context.Background(), "acct1", 202401)
	require.NoError(t, err)
	require.Len(t, usages, 2)
	assert.Equal(t, types.EnergyUsage{UsageType: "TOTAL_KWH", UsageYearMonth: 202401, Usage: 500.5}, usages[0])

	costs, err := n.EnergyUsageCosts(context.Background(), "acct1", time.Date(2025, 1, 17, 13, 0, 0, 0, time.UTC), "NY")
	require.NoError(t, err)
	require.Len(t, costs, 1)
	assert.Equal(t, types.EnergyUsageCost{FuelType: "ELECTRIC", Month: 202412, TotalCost: 120.25}, costs[0])
}

func TestNationalGridAmiAndIntervals(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/ami/energy-usages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		q := r.URL.Query()
		assert.Equal(t, "M1", q.Get("meterNumber"))
		assert.Equal(t, "P1", q.Get("premiseNumber"))
		assert.Equal(t, "SP1", q.Get("servicePointNumber"))
		assert.Equal(t, "MP1", q.Get("meterPointNumber"))
		assert.Equal(t, "2025-01-15", q.Get("dateFrom"))
		assert.Equal(t, "2025-01-17", q.Get("dateTo"))
		writeJSON(t, w, []map[string]interface{}{
			{"date": "2025-01-15T10:00:00Z", "quantity": 1.5},
			{"date": "2025-01-15T11:00:00Z", "quantity": -0.5},
		})
	})
	mux.HandleFunc("/api/interval-reads", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "P1", q.Get("premiseNumber"))
		assert.Equal(t, "SP1", q.Get("servicePointNumber"))
		assert.Equal(t, "2025-01-16 13:00:00", q.Get("startDateTime"))
		writeJSON(t, w, []map[string]interface{}{
			{"startTime": "2025-01-16T13:00:00Z", "endTime": "2025-01-16T13:15:00Z", "value": 0.25},
		})
	})
	n := newTestNationalGrid(t, mux)

	meter := types.AmiMeterIdentifier{
		MeterNumber:        "M1",
		PremiseNumber:      "P1",
		ServicePointNumber: "SP1",
		MeterPointNumber:   "MP1",
	}
	usages, err := n.AmiEnergyUsages(context.Background(), meter,
		time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	require.Len(t, usages, 2)
	assert.Equal(t, -0.5, usages[1].Quantity)

	reads, err := n.IntervalReads(context.Background(), "P1", "SP1", time.Date(2025, 1, 16, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, reads, 1)
	assert.Equal(t, 0.25, reads[0].Value)
	assert.Equal(t, "2025-01-16T13:00:00Z", reads[0].StartTime)
}

func TestNationalGridTokenExpired(t *testing.T) {
	var logins atomic.Int32
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/interval-reads", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(t, w, []map[string]interface{}{})
	})
	n := newTestNationalGrid(t, mux)

	reads, err := n.IntervalReads(context.Background(), "P1", "SP1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, reads)
	assert.EqualValues(t, 2, logins.Load())
	assert.EqualValues(t, 2, calls.Load())
}

func TestNationalGridStillUnauthorized(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/interval-reads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	n := newTestNationalGrid(t, mux)

	_, err := n.IntervalReads(context.Background(), "P1", "SP1", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAuth)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.EqualValues(t, 2, logins.Load())
}

func TestNationalGridInvalidAuth(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	n := newTestNationalGrid(t, mux)
	n.password = "wrong"

	_, err := n.BillingAccount(context.Background(), "acct1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAuth)
	assert.Contains(t, err.Error(), "bad credentials")
	assert.False(t, IsAccountError(err))

	t.Run("missing credentials", func(t *testing.T) {
		n := NewNationalGrid("", "")
		_, err := n.LinkedAccounts(context.Background())
		assert.ErrorIs(t, err, ErrInvalidAuth)
	})
}

func TestNationalGridRetries(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		var logins atomic.Int32
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
		mux.HandleFunc("/api/ami/energy-usages", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		n := newTestNationalGrid(t, mux)
		n.maxRetries = 2

		_, err := n.AmiEnergyUsages(context.Background(), types.AmiMeterIdentifier{ServicePointNumber: "SP1"}, time.Now(), time.Now())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryExhausted)
		assert.True(t, IsAccountError(err))
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("recovers", func(t *testing.T) {
		var logins atomic.Int32
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
		mux.HandleFunc("/api/ami/energy-usages", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			writeJSON(t, w, []map[string]interface{}{{"date": "2025-01-15T10:00:00Z", "quantity": 1}})
		})
		n := newTestNationalGrid(t, mux)

		usages, err := n.AmiEnergyUsages(context.Background(), types.AmiMeterIdentifier{ServicePointNumber: "SP1"}, time.Now(), time.Now())
		require.NoError(t, err)
		assert.Len(t, usages, 1)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("cannot connect", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		n := NewNationalGrid("user@example.com", "secret")
		n.loginURL = srv.URL
		n.apiURL = srv.URL
		n.retryInterval = time.Millisecond
		n.maxRetries = 1

		_, err := n.BillingAccount(context.Background(), "acct1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCannotConnect)
		assert.True(t, IsAccountError(err))
	})
}

func TestNationalGridProviderErrors(t *testing.T) {
	t.Run("graphql errors", func(t *testing.T) {
		var logins atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
		mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]interface{}{
				"errors": []map[string]string{{"message": "account locked"}, {"message": "try later"}},
			})
		})
		n := newTestNationalGrid(t, mux)

		_, err := n.EnergyUsages(context.Background(), "acct1", 202401)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProvider)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "account locked; try later", apiErr.Message)
	})

	t.Run("missing account", func(t *testing.T) {
		var logins atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
		mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, map[string]interface{}{"data": map[string]interface{}{"billingAccount": nil}})
		})
		n := newTestNationalGrid(t, mux)

		_, err := n.BillingAccount(context.Background(), "acct9")
		assert.ErrorIs(t, err, ErrProvider)
		assert.Contains(t, err.Error(), "acct9 not found")
	})

	t.Run("decode error", func(t *testing.T) {
		var logins atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
		mux.HandleFunc("/api/interval-reads", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"not":"an array"}`))
		})
		n := newTestNationalGrid(t, mux)

		_, err := n.IntervalReads(context.Background(), "P1", "SP1", time.Now())
		assert.ErrorIs(t, err, ErrProvider)
	})

	t.Run("bad request", func(t *testing.T) {
		var logins atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
		mux.HandleFunc("/api/interval-reads", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(t, w, map[string]string{"error": "bad premise"})
		})
		n := newTestNationalGrid(t, mux)

		_, err := n.IntervalReads(context.Background(), "P1", "SP1", time.Now())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "bad premise", apiErr.Message)
	})
}

func TestNationalGridClose(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	mux.HandleFunc("/api/interval-reads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]interface{}{})
	})
	n := newTestNationalGrid(t, mux)

	_, err := n.IntervalReads(context.Background(), "P1", "SP1", time.Now())
	require.NoError(t, err)
	require.NoError(t, n.Close())
	_, err = n.IntervalReads(context.Background(), "P1", "SP1", time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, logins.Load())
}

func TestNationalGridContextCanceled(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/login/auth/login", loginHandler(t, &logins))
	n := newTestNationalGrid(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.LinkedAccounts(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, IsAccountError(err))
}

func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 500, Message: "boom"}
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, "national grid api error (status 500): boom", err.Error())
	assert.Equal(t, "national grid api error: boom", (&APIError{Message: "boom"}).Error())
}
