package sweep

import (
	"fmt"
	"time"
)

// Route is one successful transfer to the treasury.
type Route struct {
	ProxyAddress string `json:"proxyAddress"`
	TxHash       string `json:"txHash"`
	AmountWei    string `json:"amountWei"`
}

// Summary is the outcome of one sweep. Per-deposit failures are listed in
// Errors; the sweep itself never fails because of them.
type Summary struct {
	Checked  int `json:"checked"`
	Funded   int `json:"funded"`
	Deployed int `json:"deployed"`
	Routed   int `json:"routed"`
	// Retried counts deployed deposits whose earlier transfer failed.
	Retried      int      `json:"retried,omitempty"`
	DeployTxHash string   `json:"deployTxHash,omitempty"`
	Routes       []Route  `json:"routes"`
	Errors       []string `json:"errors"`

	// Skipped is set when another sweeper held the lease.
	Skipped    bool      `json:"skipped,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func newSummary(startedAt time.Time) Summary {
	return Summary{
		Routes:    []Route{},
		Errors:    []string{},
		StartedAt: startedAt,
	}
}

func (s *Summary) addError(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// ReportKey is the blob key a summary is archived under.
func ReportKey(startedAt time.Time) string {
	return "sweeps/" + startedAt.UTC().Format(time.RFC3339Nano) + ".json"
}
