// internal/engine/stateful.go
package engine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/pointsflow/internal/graph"
)

/*
 * Stateful node types. Each reads and writes only its own node state for the
 * current subject.
 *
 * counter        count, completed
 * cooldown       lastAt (RFC 3339)
 * streak_daily   lastDate (YYYY-MM-DD in the configured offset), streak
 *
 * compute_tenure is stateless but lives here with the other date handling.
 */

// CounterBehavior selects what a counter does when it reaches its target.
type CounterBehavior string

const (
	// CounterLoop resets the count to zero on every pass.
	CounterLoop CounterBehavior = "loop"
	// CounterCap passes once and then holds the count at the target.
	CounterCap CounterBehavior = "cap"
	// CounterOnce passes once and then stops counting.
	CounterOnce CounterBehavior = "once"
)

// ResolveCounterBehavior reads behavior, honouring the older resetOnTarget
// flag when behavior is absent. ok is false for an unknown behavior.
func ResolveCounterBehavior(props graph.Properties) (CounterBehavior, bool) {
	if s, ok := props.String("behavior"); ok && s != "" {
		switch b := CounterBehavior(strings.ToLower(s)); b {
		case CounterLoop, CounterCap, CounterOnce:
			return b, true
		}
		return "", false
	}
	if v, ok := props.Get("resetOnTarget"); ok {
		if reset, ok := v.(bool); ok && !reset {
			return CounterCap, true
		}
	}
	return CounterLoop, true
}

func runCounter(rt *run, node *graph.Node) step {
	behavior, ok := ResolveCounterBehavior(node.Props)
	if !ok {
		return branch(false)
	}
	raw, _ := node.Props.Get("target")
	target, ok := rt.number(raw)
	if !ok || !target.IsPositive() {
		return branch(false)
	}

	st := rt.state(node.ID)
	if behavior != CounterLoop && st.Bool("completed") {
		return branch(false)
	}

	count, _ := st.Int("count")
	count++
	pass := decimal.NewFromInt(count).GreaterThanOrEqual(target)
	switch {
	case !pass:
	case behavior == CounterLoop:
		count = 0
	case behavior == CounterCap:
		count = target.Ceil().IntPart()
		st.Set("completed", true)
	default:
		st.Set("completed", true)
	}
	st.SetInt("count", count)
	return branch(pass)
}

// CooldownWindow returns the configured cooldown duration.
func CooldownWindow(props graph.Properties) time.Duration {
	var seconds float64
	if n, ok := props.Number("seconds"); ok {
		seconds += n
	}
	if n, ok := props.Number("minutes"); ok {
		seconds += n * 60
	}
	if n, ok := props.Number("hours"); ok {
		seconds += n * 3600
	}
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func runCooldown(rt *run, node *graph.Node) step {
	st := rt.state(node.ID)
	window := CooldownWindow(node.Props)

	pass := true
	if last, ok := st.Time("lastAt"); ok {
		pass = rt.now.Sub(last) >= window
	}
	if pass && node.Props.Bool("setOnPass", true) {
		st.SetTime("lastAt", rt.now)
	}
	return branch(pass)
}

const dayLayout = "2006-01-02"

func runStreakDaily(rt *run, node *graph.Node) step {
	offset := time.Duration(0)
	if n, ok := rt.propNumber(node.Props, "utcOffsetMinutes"); ok {
		offset = time.Duration(n.IntPart()) * time.Minute
	}
	today := civilDay(rt.now.Add(offset))

	st := rt.state(node.ID)
	streak, _ := st.Int("streak")
	if lastStr, ok := st.String("lastDate"); ok {
		last, err := time.Parse(dayLayout, lastStr)
		switch {
		case err != nil:
			streak = 1
		case !today.After(last):
			// same day, or an event older than the last counted day
			return branch(false)
		case today.Equal(last.AddDate(0, 0, 1)):
			streak++
		default:
			streak = 1
		}
	} else {
		streak = 1
	}

	st.Set("lastDate", today.Format(dayLayout))
	st.SetInt("streak", streak)

	base, _ := rt.propNumber(node.Props, "basePoints")
	stepPoints, _ := rt.propNumber(node.Props, "stepPoints")
	bonus := base.Add(stepPoints.Mul(decimal.NewFromInt(streak - 1)))
	if maxPoints, ok := rt.propNumber(node.Props, "maxPoints"); ok && bonus.GreaterThan(maxPoints) {
		bonus = maxPoints
	}
	bonus = bonus.Round(0)

	rt.vars[node.Props.StringOr("varBonus", "streakBonus")] = numberValue(bonus)
	rt.vars[node.Props.StringOr("varStreak", "streak")] = json.Number(strconv.FormatInt(streak, 10))
	return branch(true)
}

func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (rt *run) propNumber(props graph.Properties, key string) (decimal.Decimal, bool) {
	raw, ok := props.Get(key)
	if !ok || raw == nil {
		return decimal.Zero, false
	}
	return rt.number(raw)
}

// TenureUnit is the granularity compute_tenure reports in.
type TenureUnit string

const (
	TenureDays   TenureUnit = "days"
	TenureMonths TenureUnit = "months"
	TenureYears  TenureUnit = "years"
)

// Tenure returns the whole units elapsed from since to now, clamped at zero.
// Years are days/365.25, floored.
func Tenure(since, now time.Time, unit TenureUnit) int64 {
	since, now = since.UTC(), now.UTC()
	if !now.After(since) {
		return 0
	}
	days := math.Floor(now.Sub(since).Hours() / 24)
	switch unit {
	case TenureDays:
		return int64(days)
	case TenureMonths:
		months := (now.Year()-since.Year())*12 + int(now.Month()-since.Month())
		if now.Day() < since.Day() {
			months--
		}
		if months < 0 {
			return 0
		}
		return int64(months)
	default:
		return int64(math.Floor(days / 365.25))
	}
}

func runComputeTenure(rt *run, node *graph.Node) step {
	source, ok := node.Props.String("source")
	if !ok || source == "" {
		return stepNext
	}
	raw, found := rt.resolve(source)
	if !found {
		return stepNext
	}
	since, ok := AsTime(raw)
	if !ok {
		return stepNext
	}
	unit := TenureUnit(strings.ToLower(node.Props.StringOr("unit", string(TenureYears))))
	switch unit {
	case TenureDays, TenureMonths, TenureYears:
	default:
		unit = TenureYears
	}
	value := Tenure(since, rt.now, unit)
	rt.vars[node.Props.StringOr("target", "tenureYears")] = json.Number(strconv.FormatInt(value, 10))
	return stepNext
}
