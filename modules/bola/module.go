// Package bola detects Broken Object Level Authorization attacks: an
// authenticated user walking through other users' resource identifiers.
// It tracks distinct ids per user in a rolling window and flags sequential
// enumeration of numeric ids.
package bola

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/sentinai/sentinai-go/core"
)

const ID = "bola-detection"

const (
	trackingWindow         = 10 * time.Minute
	defaultUniqueThreshold = 15
	defaultSeqThreshold    = 5

	enumBlockDuration   = 30 * time.Minute
	repeatBlockDuration = 60 * time.Minute
)

var (
	numericIDPattern = regexp.MustCompile(`/api/\w+/([0-9]+)`)
	uuidIDPattern    = regexp.MustCompile(`/api/\w+/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
)

// Module implements BOLA detection at priority 300
type Module struct {
	core.BaseModule
}

// New creates the BOLA detection module
func New() *Module {
	return &Module{BaseModule: core.BaseModule{
		ModuleID:   ID,
		ModuleName: "BOLA Detection",
		Priority:   300,
	}}
}

// AnalyzeRequest tracks resource-id access for authenticated users.
// Anonymous requests and paths without a resource id pass through.
func (m *Module) AnalyzeRequest(ctx context.Context, event core.RequestEvent, mc *core.ModuleContext) (core.ThreatVerdict, error) {
	if event.UserID == "" {
		return core.Safe(ID), nil
	}
	resourceID := extractResourceID(event.Path)
	if resourceID == "" {
		return core.Safe(ID), nil
	}

	userKey := "bola:user:" + event.UserID

	blocked, err := mc.Store.IsBlocked(ctx, userKey)
	if err != nil {
		return core.Safe(ID), err
	}
	if blocked {
		return core.Block(ID,
			"User blocked for BOLA attack",
			event.UserID,
			int64(repeatBlockDuration.Seconds())), nil
	}

	total, err := m.trackDistinctID(ctx, mc, userKey, resourceID)
	if err != nil {
		return core.Safe(ID), err
	}
	uniqueThreshold := mc.IntOption(ID, "unique-id-threshold", defaultUniqueThreshold)
	if total > int64(uniqueThreshold) {
		mc.Logger.Warn("Resource id enumeration suspected", map[string]interface{}{
			"user":       event.UserID,
			"unique_ids": total,
			"window":     trackingWindow.String(),
		})
		return core.Block(ID,
			fmt.Sprintf("BOLA: User accessed %d unique IDs in %s", total, trackingWindow),
			event.UserID,
			int64(enumBlockDuration.Seconds())), nil
	}

	if numericID, err := strconv.ParseInt(resourceID, 10, 64); err == nil {
		seqCount, err := m.trackSequentialAccess(ctx, mc, event.UserID, numericID)
		if err != nil {
			return core.Safe(ID), err
		}
		seqThreshold := mc.IntOption(ID, "sequential-threshold", defaultSeqThreshold)
		if seqCount >= int64(seqThreshold) {
			mc.Logger.Warn("Sequential id access detected", map[string]interface{}{
				"user":        event.UserID,
				"consecutive": seqCount,
			})
			return core.Block(ID,
				fmt.Sprintf("BOLA: Sequential ID enumeration detected (%d consecutive IDs)", seqCount),
				event.UserID,
				int64(enumBlockDuration.Seconds())), nil
		}
	}

	return core.Safe(ID), nil
}

// AnalyzeBatch flags users touching many distinct resource ids within one
// batch. Log-only; the synchronous path owns blocking.
func (m *Module) AnalyzeBatch(ctx context.Context, events []core.RequestEvent, mc *core.ModuleContext) ([]core.ThreatVerdict, error) {
	idsByUser := make(map[string]map[string]struct{})
	for _, event := range events {
		if event.UserID == "" {
			continue
		}
		resourceID := extractResourceID(event.Path)
		if resourceID == "" {
			continue
		}
		ids := idsByUser[event.UserID]
		if ids == nil {
			ids = make(map[string]struct{})
			idsByUser[event.UserID] = ids
		}
		ids[resourceID] = struct{}{}
	}

	var verdicts []core.ThreatVerdict
	for userID, ids := range idsByUser {
		if len(ids) > 10 {
			verdicts = append(verdicts, core.Suspicious(ID,
				fmt.Sprintf("Batch analysis: user '%s' accessed %d unique IDs", userID, len(ids)),
				userID))
		}
	}
	return verdicts, nil
}

// trackDistinctID counts distinct resource ids per user using a first-insert
// marker per id. The total only moves when an id is seen for the first time
// in the window, so repeat visits to the same object never inflate it.
func (m *Module) trackDistinctID(ctx context.Context, mc *core.ModuleContext, userKey, resourceID string) (int64, error) {
	markerKey := userKey + ":ids:" + resourceID

	existing, err := mc.Store.Get(ctx, markerKey)
	if err != nil {
		return 0, err
	}
	if existing != "" {
		return mc.Store.GetCounter(ctx, userKey+":ids:total")
	}

	if err := mc.Store.Put(ctx, markerKey, "1", trackingWindow); err != nil {
		return 0, err
	}
	return mc.Store.IncrementCounter(ctx, userKey+":ids:total", trackingWindow)
}

// trackSequentialAccess maintains the last seen numeric id and a run length
// per user. The run length lives in the KV store, not a counter, because a
// non-sequential access must reset it to zero.
func (m *Module) trackSequentialAccess(ctx context.Context, mc *core.ModuleContext, userID string, currentID int64) (int64, error) {
	lastKey := "bola:seq:" + userID + ":last"
	countKey := "bola:seq:" + userID + ":count"

	lastRaw, err := mc.Store.Get(ctx, lastKey)
	if err != nil {
		return 0, err
	}
	lastID := int64(-1)
	if lastRaw != "" {
		if parsed, err := strconv.ParseInt(lastRaw, 10, 64); err == nil {
			lastID = parsed
		}
	}

	if err := mc.Store.Put(ctx, lastKey, strconv.FormatInt(currentID, 10), trackingWindow); err != nil {
		return 0, err
	}

	if currentID != lastID+1 && currentID != lastID-1 {
		if err := mc.Store.Put(ctx, countKey, "0", trackingWindow); err != nil {
			return 0, err
		}
		return 0, nil
	}

	countRaw, err := mc.Store.Get(ctx, countKey)
	if err != nil {
		return 0, err
	}
	count := int64(0)
	if countRaw != "" {
		if parsed, err := strconv.ParseInt(countRaw, 10, 64); err == nil {
			count = parsed
		}
	}
	count++
	if err := mc.Store.Put(ctx, countKey, strconv.FormatInt(count, 10), trackingWindow); err != nil {
		return 0, err
	}
	return count, nil
}

func extractResourceID(path string) string {
	if match := numericIDPattern.FindStringSubmatch(path); match != nil {
		return match[1]
	}
	if match := uuidIDPattern.FindStringSubmatch(path); match != nil {
		return match[1]
	}
	return ""
}
