// Package transport binds chat networks to the relay: it receives messages,
// filters them through the allow-list and rate limiter, hands them to the
// dispatcher and delivers replies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/ashureev/chatrelay/internal/chat"
	"github.com/ashureev/chatrelay/internal/domain"
	"gopkg.in/yaml.v3"
)

// Submitter accepts inbound messages for processing.
// *chat.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, in domain.Inbound, out chat.Sender) error
}

// AllowList is the static set of chat ids the relay talks to.
type AllowList struct {
	ids map[int64]struct{}
}

type allowListFile struct {
	WhitelistedIDs []int64 `yaml:"whitelisted_ids"`
}

// LoadAllowList reads the allow-list file. The file is JSON, which the YAML
// decoder accepts as well: {"whitelisted_ids": [123, -100456]}.
func LoadAllowList(path string) (*AllowList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	return ParseAllowList(data)
}

// ParseAllowList decodes an allow-list document.
func ParseAllowList(data []byte) (*AllowList, error) {
	var f allowListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse allow-list: %w", err)
	}
	if f.WhitelistedIDs == nil {
		return nil, errors.New("parse allow-list: missing whitelisted_ids")
	}
	return NewAllowList(f.WhitelistedIDs...), nil
}

// NewAllowList creates an allow-list from ids.
func NewAllowList(ids ...int64) *AllowList {
	a := &AllowList{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		a.ids[id] = struct{}{}
	}
	return a
}

// AllowsID reports whether id is listed.
func (a *AllowList) AllowsID(id int64) bool {
	_, ok := a.ids[id]
	return ok
}

// Allows reports whether the numeric chat id in chatID is listed.
func (a *AllowList) Allows(chatID string) bool {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return false
	}
	return a.AllowsID(id)
}

// Len returns the number of listed ids.
func (a *AllowList) Len() int {
	return len(a.ids)
}
