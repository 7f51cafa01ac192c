// Package costprotection prevents AI API bill shock by tracking estimated
// daily spend per process and per-user call counts across the fleet.
// The module is opt-in: it only runs when a budget is configured.
package costprotection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sentinai/sentinai-go/core"
)

const ID = "cost-protection"

const (
	defaultDailyLimit     = 50.0
	defaultPerUserLimit   = 100
	defaultCostPerRequest = 0.003
	defaultAlertThreshold = 0.8
)

// Module implements AI spend protection at priority 900
type Module struct {
	core.BaseModule

	// Daily spend tracking is deliberately process-local; per-user limits
	// go through the shared store.
	mu         sync.Mutex
	dailyCount int64
	currentDay string

	now func() time.Time
}

// New creates the cost protection module
func New() *Module {
	return &Module{
		BaseModule: core.BaseModule{
			ModuleID:   ID,
			ModuleName: "Cost Protection",
			Priority:   900,
		},
		now: time.Now,
	}
}

// Enabled requires an explicit budget configuration; without one the
// module stays out of the pipeline entirely
func (m *Module) Enabled(mc *core.ModuleContext) bool {
	if !mc.ModuleEnabled(ID) {
		return false
	}
	return mc.HasOption(ID, "daily-limit") || mc.HasOption(ID, "enabled")
}

// AnalyzeRequest throttles AI endpoint traffic once the estimated daily
// spend or a user's daily call quota is exhausted
func (m *Module) AnalyzeRequest(ctx context.Context, event core.RequestEvent, mc *core.ModuleContext) (core.ThreatVerdict, error) {
	if !isAIEndpoint(event.Path) {
		return core.Safe(ID), nil
	}

	dailyLimit := mc.FloatOption(ID, "daily-limit", defaultDailyLimit)
	costPerRequest := mc.FloatOption(ID, "cost-per-request", defaultCostPerRequest)

	estimatedSpend := float64(m.todayCount(mc.Logger)) * costPerRequest

	if estimatedSpend >= dailyLimit {
		mc.Logger.Warn("Daily AI budget exceeded", map[string]interface{}{
			"spend": fmt.Sprintf("%.2f", estimatedSpend),
			"limit": fmt.Sprintf("%.0f", dailyLimit),
		})
		return core.Throttle(ID,
			fmt.Sprintf("Daily AI budget exceeded ($%.2f/$%.0f)", estimatedSpend, dailyLimit),
			event.SourceIP), nil
	}

	alertThreshold := mc.FloatOption(ID, "alert-threshold", defaultAlertThreshold)
	if estimatedSpend >= dailyLimit*alertThreshold {
		mc.Logger.Warn("AI budget alert", map[string]interface{}{
			"spend":   fmt.Sprintf("%.2f", estimatedSpend),
			"limit":   fmt.Sprintf("%.0f", dailyLimit),
			"percent": fmt.Sprintf("%.0f", estimatedSpend/dailyLimit*100),
		})
	}

	if event.UserID != "" {
		perUserLimit := mc.IntOption(ID, "per-user-limit", defaultPerUserLimit)
		userCount, err := mc.Store.IncrementCounter(ctx, "cp:user:"+event.UserID, 24*time.Hour)
		if err != nil {
			return core.Safe(ID), err
		}
		if userCount > int64(perUserLimit) {
			mc.Logger.Warn("User exceeded daily AI limit", map[string]interface{}{
				"user":  event.UserID,
				"count": userCount,
				"limit": perUserLimit,
			})
			return core.Throttle(ID,
				fmt.Sprintf("User daily AI limit exceeded (%d/%d)", userCount, perUserLimit),
				"user:"+event.UserID), nil
		}
	}

	m.mu.Lock()
	m.dailyCount++
	m.mu.Unlock()
	return core.Safe(ID), nil
}

// todayCount returns the current daily count, resetting it when the
// calendar day has rolled over
func (m *Module) todayCount(logger core.Logger) int64 {
	today := m.now().Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentDay != today {
		m.dailyCount = 0
		m.currentDay = today
		logger.Info("Daily AI budget reset", map[string]interface{}{"day": today})
	}
	return m.dailyCount
}

func isAIEndpoint(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "/chat") || strings.Contains(lower, "/summarize") ||
		strings.Contains(lower, "/generate") || strings.Contains(lower, "/ai/") ||
		strings.Contains(lower, "/completion") || strings.Contains(lower, "/predict")
}
