package deriv

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Request is a free-form Deriv API call such as {"authorize": "<token>"} or
// {"balance": 1, "subscribe": 1}. The call name is the key that identifies the
// msg_type of the matching response.
type Request map[string]interface{}

// knownCalls are checked first when naming a request
var knownCalls = []string{
	"authorize", "logout", "balance", "website_status", "payout_currencies",
	"transaction", "topup_virtual", "time", "ping", "forget", "forget_all",
	"ticks", "ticks_history", "proposal_open_contract", "get_settings",
	"get_account_status", "landing_company", "cashier_password", "buy",
}

// requestModifiers never name a call
var requestModifiers = map[string]bool{
	"req_id": true, "passthrough": true, "subscribe": true, "loginid": true,
}

// Call returns the API call name of r, e.g. "authorize" for
// {"authorize": "<token>"}. Unknown calls resolve to the first non modifier
// key in lexical order.
func (r Request) Call() string {
	for _, call := range knownCalls {
		if _, ok := r[call]; ok {
			return call
		}
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		if !requestModifiers[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}

// Clone returns a shallow copy of r
func (r Request) Clone() Request {
	out := make(Request, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Response is one inbound frame from the Deriv WebSocket API.
// Known envelope fields are decoded eagerly; the call specific body stays raw
// and is decoded on demand with Decode.
type Response struct {
	MsgType      string            `json:"msg_type"`
	ReqID        int64             `json:"req_id,omitempty"`
	EchoReq      json.RawMessage   `json:"echo_req,omitempty"`
	Error        *APIError         `json:"error,omitempty"`
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`

	// Raw holds the complete frame for call specific decoding
	Raw json.RawMessage `json:"-"`

	// Request is the request this frame answers, when sent by this process
	Request Request `json:"-"`

	fields map[string]json.RawMessage
}

// SubscriptionInfo identifies the stream a push belongs to
type SubscriptionInfo struct {
	ID string `json:"id"`
}

// ParseResponse decodes a raw frame into a Response
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response envelope: %w", err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response fields: %w", err)
	}

	if resp.MsgType == "" {
		return nil, fmt.Errorf("response has no msg_type")
	}
	if resp.Error != nil {
		resp.Error.MsgType = resp.MsgType
	}

	resp.Raw = append(json.RawMessage(nil), data...)
	resp.fields = fields
	return &resp, nil
}

// Decode unmarshals the top level field named key (usually the msg_type) into v
func (r *Response) Decode(key string, v interface{}) error {
	raw, ok := r.fields[key]
	if !ok {
		return fmt.Errorf("response %s has no %q field", r.MsgType, key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

// Has reports whether the frame carries a top level field named key
func (r *Response) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// RequestString returns a string field of the originating request
func (r *Response) RequestString(key string) string {
	if r.Request == nil {
		return ""
	}
	s, _ := r.Request[key].(string)
	return s
}

// SubscriptionID returns the stream id of a subscription frame or ""
func (r *Response) SubscriptionID() string {
	if r.Subscription == nil {
		return ""
	}
	return r.Subscription.ID
}

// Stream is a live subscription. The first response is returned by Subscribe,
// subsequent pushes arrive on Updates until the stream is forgotten or the
// connection drops.
type Stream struct {
	ID      string
	MsgType string
	First   *Response
	Updates <-chan *Response
}

// AuthorizeResponse is the body of a successful authorize call
type AuthorizeResponse struct {
	LoginID                string             `json:"loginid"`
	UserID                 int64              `json:"user_id"`
	Balance                decimal.Decimal    `json:"balance"`
	Currency               string             `json:"currency"`
	Email                  string             `json:"email"`
	Fullname               string             `json:"fullname"`
	IsVirtual              int                `json:"is_virtual"`
	LandingCompanyName     string             `json:"landing_company_name"`
	LandingCompanyFullname string             `json:"landing_company_fullname"`
	Country                string             `json:"country"`
	Scopes                 []string           `json:"scopes"`
	AccountList            []AccountListEntry `json:"account_list"`
}

// AccountListEntry is one sibling account reported by authorize
type AccountListEntry struct {
	LoginID            string `json:"loginid"`
	Currency           string `json:"currency"`
	IsVirtual          int    `json:"is_virtual"`
	IsDisabled         int    `json:"is_disabled"`
	LandingCompanyName string `json:"landing_company_name"`
}

// BalanceResponse is the body of a balance response or push
type BalanceResponse struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	LoginID  string          `json:"loginid"`
	ID       string          `json:"id,omitempty"`
}

// WebsiteStatus describes server availability as pushed by website_status
type WebsiteStatus struct {
	SiteStatus         string                    `json:"site_status"`
	ClientsCountry     string                    `json:"clients_country"`
	Message            string                    `json:"message,omitempty"`
	SupportedLanguages []string                  `json:"supported_languages,omitempty"`
	TermsConditions    string                    `json:"terms_conditions_version,omitempty"`
	CurrenciesConfig   map[string]CurrencyConfig `json:"currencies_config,omitempty"`
}

// IsUp reports whether the server declared itself available
func (ws WebsiteStatus) IsUp() bool {
	return ws.SiteStatus == "up"
}

// CurrencyConfig is the per currency section of website_status
type CurrencyConfig struct {
	FractionalDigits int    `json:"fractional_digits"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	IsSuspended      int    `json:"is_suspended"`
}

// Transaction is a transaction stream push
type Transaction struct {
	Action          string          `json:"action"`
	Amount          decimal.Decimal `json:"amount"`
	Balance         decimal.Decimal `json:"balance"`
	ContractID      int64           `json:"contract_id,omitempty"`
	Currency        string          `json:"currency"`
	TransactionID   int64           `json:"transaction_id"`
	TransactionTime int64           `json:"transaction_time"`
	Symbol          string          `json:"symbol,omitempty"`
}

// LogoutResponse is the reply to {"logout": 1}
type LogoutResponse struct {
	Logout int `json:"logout"`
}

// Account is the current account record held by the client store and
// persisted under the current_account storage key
type Account struct {
	LoginID                 string          `json:"loginid"`
	Balance                 decimal.Decimal `json:"balance"`
	Currency                string          `json:"currency"`
	IsVirtual               bool            `json:"is_virtual"`
	Email                   string          `json:"email"`
	LandingCompanyShortcode string          `json:"landing_company_shortcode"`
	Residence               string          `json:"residence"`
	SessionToken            string          `json:"session_token"`
	SessionStart            time.Time       `json:"session_start"`
}

// StoredAccount is an entry of the client.accounts storage map
type StoredAccount struct {
	Token              string `json:"token,omitempty"`
	Currency           string `json:"currency"`
	IsVirtual          bool   `json:"is_virtual"`
	IsDisabled         bool   `json:"is_disabled"`
	LandingCompanyName string `json:"landing_company_name,omitempty"`
}
