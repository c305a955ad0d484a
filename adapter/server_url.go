package deriv

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	realServerHost = "green.derivws.com"
	demoServerHost = "blue.derivws.com"
)

var virtualLoginIDPattern = regexp.MustCompile(`^VR[TW]`)

// IsVirtualLoginID reports whether loginid belongs to a demo account
func IsVirtualLoginID(loginid string) bool {
	return virtualLoginIDPattern.MatchString(loginid)
}

// ServerHostFor picks the server pool for loginid: real accounts go to the
// green pool, demo accounts and anonymous sessions to the blue pool
func ServerHostFor(loginid string) string {
	if loginid != "" && !IsVirtualLoginID(loginid) {
		return realServerHost
	}
	return demoServerHost
}

// GetServerHost resolves the socket host. The config.server_url storage key
// wins, then the configured server_url, then the pool of the active loginid
// (falling back to acct1 of the launch parameters).
func GetServerHost(ctx context.Context, storage Storage, cfg *Config, params LaunchParams) (string, error) {
	override, err := getString(ctx, storage, KeyServerURL)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", KeyServerURL, err)
	}
	if override != "" {
		return override, nil
	}
	if cfg != nil && cfg.ServerURL != "" {
		return cfg.ServerURL, nil
	}

	loginid, err := getString(ctx, storage, KeyActiveLoginID)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", KeyActiveLoginID, err)
	}
	if loginid == "" && len(params.Accounts) > 0 {
		loginid = params.Accounts[0].LoginID
	}
	return ServerHostFor(loginid), nil
}

// GetSocketURL builds wss://{server}/websockets/v3?app_id=&l=&brand=
// A host that already carries a scheme is used as the base unchanged.
func GetSocketURL(ctx context.Context, storage Storage, cfg *Config, params LaunchParams) (string, error) {
	host, err := GetServerHost(ctx, storage, cfg, params)
	if err != nil {
		return "", err
	}

	base := host
	if !strings.Contains(host, "://") {
		base = "wss://" + host + "/websockets/v3"
	}

	lang := params.Lang
	if lang == "" {
		lang = cfg.Language
	}

	return fmt.Sprintf("%s?app_id=%s&l=%s&brand=%s", base,
		url.QueryEscape(cfg.AppID),
		url.QueryEscape(strings.ToUpper(lang)),
		url.QueryEscape(cfg.Brand)), nil
}
