package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"riptide/utilities"
)

type fakeController struct {
	data DashboardData
}

func (f *fakeController) GetDashboardData() DashboardData { return f.data }
func (f *fakeController) GetConfig() utilities.AppConfig  { return utilities.AppConfig{} }
func (f *fakeController) Logger() *utilities.Logger       { return utilities.NewLogger(utilities.Error) }

func fakeData() DashboardData {
	return DashboardData{
		Running:       true,
		Version:       "1.0.0",
		QuoteCurrency: "USDT",
		OpenPositions: map[string]utilities.Position{
			"XRP/USDT": {Symbol: "XRP/USDT", EntryPrice: 1.5, Qty: 4},
		},
		DailyLoss:      2.5,
		StartingBal:    160,
		TradingAllowed: true,
	}
}

func TestStatusHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	statusHandler(&fakeController{data: fakeData()})(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got DashboardData
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Running || got.DailyLoss != 2.5 || len(got.OpenPositions) != 1 {
		t.Errorf("body = %+v", got)
	}
}

func TestPositionsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	positionsHandler(&fakeController{data: fakeData()})(rec, httptest.NewRequest(http.MethodGet, "/positions", nil))

	var got map[string]utilities.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["XRP/USDT"].Qty != 4 {
		t.Errorf("body = %+v", got)
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
