// Package pricing computes the demand and rush adjustments applied to a
// booking's subtotal, and the final price breakdown. All monetary math uses
// fixed-precision decimals rounded to two places, half-up.
package pricing

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/region"
)

// TaxRate is the VAT applied after discount.
var TaxRate = decimal.RequireFromString("0.05")

// Demand tiers by regional utilization.
const (
	TierStandard = "standard"
	TierModerate = "moderate"
	TierHigh     = "high"
	TierPeak     = "peak"
)

// Rush tiers by scheduling lead time.
const (
	RushSameDay     = "same_day"
	RushNextDay     = "next_day"
	RushShortNotice = "short_notice"
	RushStandard    = "standard"
)

// HoursPerCleanerDay is the bookable capacity of one active cleaner.
const HoursPerCleanerDay = 8.0

// DemandMultiplier maps utilization to a multiplier and tier label.
func DemandMultiplier(utilization float64) (decimal.Decimal, string) {
	switch {
	case utilization <= 0.50:
		return decimal.RequireFromString("1.00"), TierStandard
	case utilization <= 0.70:
		return decimal.RequireFromString("1.02"), TierModerate
	case utilization <= 0.85:
		return decimal.RequireFromString("1.05"), TierHigh
	default:
		return decimal.RequireFromString("1.10"), TierPeak
	}
}

// RushPremium maps the calendar-day lead time between now and the
// scheduled date to a premium and tier label.
func RushPremium(scheduled, now time.Time) (decimal.Decimal, string) {
	daysAhead := calendarDaysBetween(now, scheduled)
	switch {
	case daysAhead <= 0:
		return decimal.RequireFromString("1.25"), RushSameDay
	case daysAhead == 1:
		return decimal.RequireFromString("1.15"), RushNextDay
	case daysAhead <= 3:
		return decimal.RequireFromString("1.05"), RushShortNotice
	default:
		return decimal.RequireFromString("1.00"), RushStandard
	}
}

func calendarDaysBetween(now, scheduled time.Time) int {
	nowDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	schedDate := time.Date(scheduled.Year(), scheduled.Month(), scheduled.Day(), 0, 0, 0, 0, time.UTC)
	return int(schedDate.Sub(nowDate).Hours() / 24)
}

// Breakdown is the final price composition of a booking.
type Breakdown struct {
	AdjustedSubtotal decimal.Decimal
	DiscountAmount   decimal.Decimal
	TaxAmount        decimal.Decimal
	Total            decimal.Decimal
}

// ComputeBreakdown applies the multipliers, discount, and tax:
//
//	adjusted = subtotal * demand * rush
//	tax      = (adjusted - discount) * 0.05
//	total    = adjusted - discount + tax
//
// Every component is rounded to two places, half-up.
func ComputeBreakdown(subtotal, demand, rush, discount decimal.Decimal) Breakdown {
	adjusted := subtotal.Mul(demand).Mul(rush).Round(2)
	taxable := adjusted.Sub(discount)
	tax := taxable.Mul(TaxRate).Round(2)
	total := taxable.Add(tax).Round(2)
	return Breakdown{
		AdjustedSubtotal: adjusted,
		DiscountAmount:   discount.Round(2),
		TaxAmount:        tax,
		Total:            total,
	}
}

// UtilizationSource supplies the inputs of the utilization figure.
// The employee and booking stores satisfy the two halves.
type UtilizationSource interface {
	ActiveCleanerCount(ctx context.Context, regionCode region.Code) (int, error)
	BookedHours(ctx context.Context, regionCode region.Code, date string) (float64, error)
}

// Quote is the pricing snapshot captured on a booking at creation.
type Quote struct {
	DemandMultiplier decimal.Decimal
	RushPremium      decimal.Decimal
	Utilization      float64
	PricingTier      string
	RushTier         string
	AdjustedSubtotal decimal.Decimal
}

// Engine computes quotes against live regional utilization.
type Engine struct {
	source UtilizationSource
	cache  cache.Cache
	log    *zap.SugaredLogger
}

// NewEngine creates a pricing engine.
func NewEngine(source UtilizationSource, c cache.Cache) *Engine {
	return &Engine{
		source: source,
		cache:  c,
		log:    logger.ComponentLogger("pricing"),
	}
}

// Utilization returns booked_hours / (active_cleaners * 8) for a region
// and date, capped at 1.0. No active cleaners forces 1.0, which prices the
// day as peak. The figure is cached for five minutes.
func (e *Engine) Utilization(ctx context.Context, regionCode region.Code, date time.Time) (float64, error) {
	day := date.UTC().Format("2006-01-02")
	key := cache.UtilizationKey(string(regionCode), day)

	if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		if cached, err := strconv.ParseFloat(raw, 64); err == nil {
			return cached, nil
		}
	}

	cleaners, err := e.source.ActiveCleanerCount(ctx, regionCode)
	if err != nil {
		return 0, errors.Wrap(err, "count active cleaners")
	}

	utilization := 1.0
	if cleaners > 0 {
		booked, err := e.source.BookedHours(ctx, regionCode, day)
		if err != nil {
			return 0, errors.Wrap(err, "sum booked hours")
		}
		utilization = booked / (float64(cleaners) * HoursPerCleanerDay)
		if utilization > 1.0 {
			utilization = 1.0
		}
	}

	if err := e.cache.Set(ctx, key, strconv.FormatFloat(utilization, 'f', -1, 64), cache.UtilizationTTL); err != nil {
		e.log.Warnw("Failed to cache utilization",
			"region", regionCode,
			"date", day,
			"error", err)
	}

	return utilization, nil
}

// Compute returns the pricing snapshot for a subtotal scheduled at the
// given time in the given region.
func (e *Engine) Compute(ctx context.Context, subtotal decimal.Decimal, regionCode region.Code, scheduled time.Time) (*Quote, error) {
	utilization, err := e.Utilization(ctx, regionCode, scheduled)
	if err != nil {
		return nil, err
	}

	demand, pricingTier := DemandMultiplier(utilization)
	rush, rushTier := RushPremium(scheduled, time.Now().UTC())

	return &Quote{
		DemandMultiplier: demand,
		RushPremium:      rush,
		Utilization:      utilization,
		PricingTier:      pricingTier,
		RushTier:         rushTier,
		AdjustedSubtotal: subtotal.Mul(demand).Mul(rush).Round(2),
	}, nil
}
