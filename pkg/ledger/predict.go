package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Prediction is the expected near-term spend.
type Prediction struct {
	ExpectedCostUSD decimal.Decimal `json:"expected_cost_usd"`
	Confidence      float64         `json:"confidence"` // 0..1
}

const (
	regressionDays  = 7
	seasonalityDays = 28
)

// PredictDaily projects tomorrow's spend from a linear regression over
// the last seven daily totals, adjusted by day-of-week seasonality
// computed over the last four weeks. Confidence is the regression R²,
// discounted when fewer than seven days of history exist.
func (l *Ledger) PredictDaily() Prediction {
	l.mu.Lock()
	defer l.mu.Unlock()

	totals := l.dailyTotalsLocked(seasonalityDays)
	n := len(totals)
	if n == 0 {
		return Prediction{ExpectedCostUSD: decimal.Zero, Confidence: 0}
	}

	recent := totals
	if n > regressionDays {
		recent = totals[n-regressionDays:]
	}

	slope, intercept, r2 := linearFit(recent)
	next := intercept + slope*float64(len(recent))
	if next < 0 {
		next = 0
	}

	next *= l.seasonalFactorLocked(totals)

	confidence := r2
	if len(recent) < regressionDays {
		confidence *= float64(len(recent)) / float64(regressionDays)
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Prediction{
		ExpectedCostUSD: decimal.NewFromFloat(next).Round(6),
		Confidence:      confidence,
	}
}

// dailyTotalsLocked returns per-day cost totals (as float64, oldest
// first) for days that have at least one entry, over the last `days`
// days including today.
func (l *Ledger) dailyTotalsLocked(days int) []float64 {
	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -(days - 1))

	buckets := make([]decimal.Decimal, days)
	seen := make([]bool, days)
	for i := range l.entries {
		e := &l.entries[i]
		ts := e.Timestamp.UTC()
		if ts.Before(start) {
			continue
		}
		day := int(ts.Sub(start).Hours() / 24)
		if day < 0 || day >= days {
			continue
		}
		buckets[day] = buckets[day].Add(e.CostUSD)
		seen[day] = true
	}

	// Trim leading days with no traffic so a young deployment is not
	// dragged toward zero.
	firstSeen := -1
	for i, ok := range seen {
		if ok {
			firstSeen = i
			break
		}
	}
	if firstSeen < 0 {
		return nil
	}
	out := make([]float64, 0, days-firstSeen)
	for i := firstSeen; i < days; i++ {
		f, _ := buckets[i].Float64()
		out = append(out, f)
	}
	return out
}

// seasonalFactorLocked is mean(spend on tomorrow's weekday) divided by
// mean(all days), from the supplied daily totals. Returns 1 when the
// history is too thin to estimate.
func (l *Ledger) seasonalFactorLocked(totals []float64) float64 {
	if len(totals) < 8 {
		return 1
	}
	now := l.now().UTC()
	tomorrowDOW := int(now.AddDate(0, 0, 1).Weekday())
	// totals[len-1] is today; walk backwards assigning weekdays.
	var allSum, dowSum float64
	var dowCount int
	for i, total := range totals {
		daysAgo := len(totals) - 1 - i
		dow := int(now.AddDate(0, 0, -daysAgo).Weekday())
		allSum += total
		if dow == tomorrowDOW {
			dowSum += total
			dowCount++
		}
	}
	if dowCount == 0 || allSum == 0 {
		return 1
	}
	allMean := allSum / float64(len(totals))
	dowMean := dowSum / float64(dowCount)
	if allMean == 0 {
		return 1
	}
	return dowMean / allMean
}

// linearFit performs ordinary least squares on y over x = 0..n-1.
// Returns slope, intercept, and R².
func linearFit(y []float64) (slope, intercept, r2 float64) {
	n := float64(len(y))
	if n == 0 {
		return 0, 0, 0
	}
	if n == 1 {
		return 0, y[0], 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, v := range y {
		fit := intercept + slope*float64(i)
		ssTot += (v - meanY) * (v - meanY)
		ssRes += (v - fit) * (v - fit)
	}
	if ssTot == 0 {
		// Perfectly flat history fits itself exactly.
		return slope, intercept, 1
	}
	r2 = 1 - ssRes/ssTot
	return slope, intercept, r2
}
