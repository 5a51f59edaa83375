package browser

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceGroups names the request types Config.ResourceBlocking accepts.
var resourceGroups = map[string][]proto.NetworkResourceType{
	"images":      {proto.NetworkResourceTypeImage},
	"fonts":       {proto.NetworkResourceTypeFont},
	"media":       {proto.NetworkResourceTypeMedia},
	"stylesheets": {proto.NetworkResourceTypeStylesheet},
	"scripts":     {proto.NetworkResourceTypeScript},
	"xhr": {
		proto.NetworkResourceTypeXHR,
		proto.NetworkResourceTypeFetch,
		proto.NetworkResourceTypeEventSource,
		proto.NetworkResourceTypeWebSocket,
	},
}

// BlockSet is a parsed ResourceBlocking list.
type BlockSet map[proto.NetworkResourceType]bool

// ParseResourceBlocking resolves group names (images, fonts, media,
// stylesheets, scripts, xhr) into a BlockSet. Blank entries are ignored.
func ParseResourceBlocking(names []string) (BlockSet, error) {
	set := BlockSet{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		types, ok := resourceGroups[n]
		if !ok {
			return nil, fmt.Errorf("browser: unknown resource group %q (want one of %s)", n, groupNames())
		}
		for _, t := range types {
			set[t] = true
		}
	}
	return set, nil
}

func groupNames() string {
	names := make([]string, 0, len(resourceGroups))
	for n := range resourceGroups {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Blocks reports whether requests of type t are failed.
func (b BlockSet) Blocks(t proto.NetworkResourceType) bool { return b[t] }

// hijack fails every blocked request on page as blocked-by-client, which
// the page treats like an ad blocker, and counts them in blocked. The router
// must be stopped when the page closes.
func (b BlockSet) hijack(page *rod.Page, blocked *atomic.Int64) (*rod.HijackRouter, error) {
	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		if b.Blocks(h.Request.Type()) {
			blocked.Add(1)
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("browser: hijack: %w", err)
	}
	go router.Run()
	return router, nil
}
