// Package identity はサイトURLの正規化と、関係の識別キーの導出を提供する。
package identity

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hitoshi/friendsync/internal/model"
)

// nonKeyChars は識別キーに使用できない文字の連続にマッチする。
var nonKeyChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// NormalizeSiteURL はサイトURLを正規化する。
// http/httpsの絶対URLのみ受け付け、スキームとホストを小文字化し、
// 国際化ドメイン名はASCII形式に変換する。クエリ、フラグメント、末尾のスラッシュは除去する。
func NormalizeSiteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", model.NewInvalidURLError("URLが空です")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", model.NewInvalidURLError(err.Error())
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", model.NewInvalidURLError(fmt.Sprintf("未対応のスキームです: %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return "", model.NewInvalidURLError("ホストがありません")
	}
	if u.User != nil {
		return "", model.NewInvalidURLError("認証情報を含むURLは使用できません")
	}

	host = strings.ToLower(host)
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", model.NewInvalidURLError(fmt.Sprintf("ホスト名が不正です: %s", host))
		}
		host = ascii
	}
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	normalized := &url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   strings.TrimRight(u.Path, "/"),
	}
	return normalized.String(), nil
}

// IdentityKey はサイトURLから決定的な識別キーを導出する。
// ホストとパスを "_" で連結して小文字化し、英数字・ドット・ハイフン以外の連続を "_" に置換して
// 前後の "_" を取り除く。同じURLとの繰り返しのやり取りは常に同じ関係に解決される。
func IdentityKey(siteURL string) string {
	u, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return ""
	}
	key := strings.ToLower(u.Hostname() + "_" + u.Path)
	key = nonKeyChars.ReplaceAllString(key, "_")
	return strings.Trim(key, "_")
}

// Resolve はURLを正規化し、正規化後のURLと識別キーを返す。
func Resolve(raw string) (siteURL, key string, err error) {
	siteURL, err = NormalizeSiteURL(raw)
	if err != nil {
		return "", "", err
	}
	return siteURL, IdentityKey(siteURL), nil
}

// SameSite は2つのURLが同じサイトを指すかどうかを判定する。
// どちらかが正規化できない場合はfalseを返す。
func SameSite(a, b string) bool {
	na, err := NormalizeSiteURL(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeSiteURL(b)
	if err != nil {
		return false
	}
	return na == nb
}
