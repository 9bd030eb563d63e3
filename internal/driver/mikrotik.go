package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/calderos/netpilot/internal/inventory"
)

// TypeMikroTikREST identifies routers speaking the RouterOS REST API.
const TypeMikroTikREST = "mikrotik_routeros_rest"

// Default USSD codes for the carrier actions. Overridable per run via the
// "ussd_code" parameter.
const (
	defaultTopUpCode   = "*133*1*4*4*1#"
	defaultBalanceCode = "*222*328#"
)

// Compile-time interface guard.
var _ Driver = (*MikroTik)(nil)

// MikroTik drives RouterOS devices over their REST API with basic auth.
type MikroTik struct {
	client *http.Client

	// baseURL overrides the device-derived URL in tests.
	baseURL string
}

// NewMikroTik creates a MikroTik REST driver. Transport timeouts are left
// generous; the executor enforces the per-run deadline through the context.
func NewMikroTik() *MikroTik {
	return &MikroTik{
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (d *MikroTik) SupportedActions() []string {
	return []string{ActionTopUpBalance, ActionCheckBalance, ActionFetchUSSDLogs}
}

// Validate fetches the system resource endpoint as a lightweight
// reachability and credential check.
func (d *MikroTik) Validate(ctx context.Context, device inventory.Device) error {
	_, err := d.doJSON(ctx, device, http.MethodGet, "/system/resource", nil)
	return err
}

func (d *MikroTik) Execute(ctx context.Context, device inventory.Device, actionKey string, params map[string]string) (*Result, error) {
	switch actionKey {
	case ActionTopUpBalance:
		return d.sendUSSD(ctx, device, paramOr(params, "ussd_code", defaultTopUpCode))
	case ActionCheckBalance:
		return d.sendUSSD(ctx, device, paramOr(params, "ussd_code", defaultBalanceCode))
	case ActionFetchUSSDLogs:
		return d.fetchUSSDLogs(ctx, device)
	default:
		return nil, E(KindUnsupportedAction, "mikrotik",
			fmt.Errorf("action %q not supported", actionKey))
	}
}

// sendUSSD issues a USSD code through the LTE modem's SMS tool.
func (d *MikroTik) sendUSSD(ctx context.Context, device inventory.Device, code string) (*Result, error) {
	payload := map[string]string{
		"port":         "lte1",
		"phone-number": code,
		"message":      "",
		"type":         "ussd",
	}
	raw, err := d.doJSON(ctx, device, http.MethodPost, "/tool/sms/send", payload)
	if err != nil {
		return nil, err
	}
	return &Result{Raw: string(raw)}, nil
}

// mikrotikLogEntry is the subset of a RouterOS log record we consume.
type mikrotikLogEntry struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

// fetchUSSDLogs pulls the router log, keeps USSD entries, and parses the
// newest one for balance metrics.
func (d *MikroTik) fetchUSSDLogs(ctx context.Context, device inventory.Device) (*Result, error) {
	raw, err := d.doJSON(ctx, device, http.MethodGet, "/log", nil)
	if err != nil {
		return nil, err
	}

	var entries []mikrotikLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// Unexpected body shape is a device-side problem, not ours.
		return nil, E(KindDevice, "mikrotik: decode /log", err)
	}

	var ussd []mikrotikLogEntry
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Message), "ussd") {
			ussd = append(ussd, e)
		}
	}

	filtered, _ := json.Marshal(ussd)
	result := &Result{Raw: string(filtered)}

	if latest := latestUSSDEntry(ussd); latest != nil {
		msg := latest.Message
		if idx := strings.Index(msg, "USSD:"); idx >= 0 {
			msg = msg[idx:]
		}
		result.Parsed = ParseUSSDMessage(latest.Time, msg)
	}

	// The insufficient-balance notice counts wherever it appears in the
	// log, not only in the newest entry.
	for _, e := range ussd {
		if ContainsLowBalance(e.Message) {
			if result.Parsed == nil {
				result.Parsed = &Parsed{}
			}
			result.Parsed.LowBalance = true
			break
		}
	}
	return result, nil
}

// latestUSSDEntry picks the newest entry by its "YYYY-MM-DD HH:MM:SS"
// timestamp; entries with unparseable times sort oldest.
func latestUSSDEntry(entries []mikrotikLogEntry) *mikrotikLogEntry {
	if len(entries) == 0 {
		return nil
	}
	sorted := make([]mikrotikLogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, _ := time.Parse("2006-01-02 15:04:05", sorted[i].Time)
		tj, _ := time.Parse("2006-01-02 15:04:05", sorted[j].Time)
		return ti.Before(tj)
	})
	return &sorted[len(sorted)-1]
}

// doJSON performs one REST call against the device and returns the raw
// response body. Transport failures classify as connectivity errors, HTTP
// error statuses as device errors.
func (d *MikroTik) doJSON(ctx context.Context, device inventory.Device, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, E(KindValidation, "mikrotik: marshal request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := d.deviceBaseURL(device) + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, E(KindValidation, "mikrotik: create request", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if device.Username != "" || device.Password != "" {
		req.SetBasicAuth(device.Username, device.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, E(KindOf(ctx.Err()), fmt.Sprintf("mikrotik: %s %s", method, path), ctx.Err())
		}
		return nil, E(KindConnectivity, fmt.Sprintf("mikrotik: %s %s", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, E(KindConnectivity, "mikrotik: read response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, E(KindDevice, fmt.Sprintf("mikrotik: %s %s", method, path),
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	return respBody, nil
}

func (d *MikroTik) deviceBaseURL(device inventory.Device) string {
	if d.baseURL != "" {
		return d.baseURL
	}
	port := device.Port
	if port == 0 {
		port = 80
	}
	return "http://" + net.JoinHostPort(device.Address, strconv.Itoa(port)) + "/rest"
}

func paramOr(params map[string]string, key, fallback string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
