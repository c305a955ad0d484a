package deriv

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// RedirectAccount is one acctN/tokenN/curN triple from the OAuth redirect
type RedirectAccount struct {
	LoginID  string
	Token    string
	Currency string
}

// LaunchParams are the query parameters the app was started with, either
// from the OAuth redirect or from the command line
type LaunchParams struct {
	Token      string // one-time exchange token
	Action     string
	Account    string // currency (or "demo") of the account to activate
	RedirectTo string
	Lang       string
	Accounts   []RedirectAccount
}

// ParseLaunchParams reads launch parameters from a query string
func ParseLaunchParams(q url.Values) LaunchParams {
	params := LaunchParams{
		Token:      q.Get("token"),
		Action:     q.Get("action"),
		Account:    q.Get("account"),
		RedirectTo: q.Get("redirect_to"),
		Lang:       strings.ToUpper(q.Get("lang")),
	}

	var indexes []int
	for key := range q {
		if !strings.HasPrefix(key, "acct") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, "acct"))
		if err != nil || n < 1 {
			continue
		}
		indexes = append(indexes, n)
	}
	sort.Ints(indexes)

	for _, n := range indexes {
		suffix := strconv.Itoa(n)
		acct := RedirectAccount{
			LoginID:  q.Get("acct" + suffix),
			Token:    q.Get("token" + suffix),
			Currency: q.Get("cur" + suffix),
		}
		if acct.LoginID == "" || acct.Token == "" {
			continue
		}
		params.Accounts = append(params.Accounts, acct)
	}
	return params
}

// HasRedirectAccounts reports whether the params carry acctN/tokenN pairs
func (p LaunchParams) HasRedirectAccounts() bool {
	return len(p.Accounts) > 0
}

// SelectedAccount picks the redirect account to activate. Account selects by
// currency, "demo" selects the first virtual account, otherwise acct1 wins.
func (p LaunchParams) SelectedAccount() (RedirectAccount, bool) {
	if len(p.Accounts) == 0 {
		return RedirectAccount{}, false
	}
	if p.Account != "" {
		for _, acct := range p.Accounts {
			if strings.EqualFold(p.Account, "demo") && IsVirtualLoginID(acct.LoginID) {
				return acct, true
			}
			if strings.EqualFold(acct.Currency, p.Account) && !IsVirtualLoginID(acct.LoginID) {
				return acct, true
			}
		}
	}
	return p.Accounts[0], true
}
