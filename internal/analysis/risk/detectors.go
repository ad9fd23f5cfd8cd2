package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/models"
)

// Alert types, in detector order.
const (
	AlertSilence            = "silence"
	AlertConsecutiveMisses  = "consecutive_misses"
	AlertInconsistentTiming = "inconsistent_timing"
	AlertSideEffectCluster  = "side_effect_clustering"
	AlertWeekendGaps        = "weekend_gaps"
	AlertSuddenStop         = "sudden_stop"
)

// Detector thresholds.
const (
	SilenceHours            = 24
	ConsecutiveMissMin      = 2
	TimingMinSamples        = 3
	TimingMaxAvgDeviation   = 2 * time.Hour
	SymptomWindow           = 7 * 24 * time.Hour
	SymptomClusterMin       = 3
	WeekendMissMin          = 4
	WeekendMissRatio        = 1.5
	SuddenStopPriorRate     = 0.8
	SuddenStopTrailingRate  = 0.7
	suddenStopTrailingDays  = 3
	suddenStopPriorLastDay  = 8
	suddenStopPriorFirstDay = 3
)

// detector inspects the input and returns at most one alert.
type detector struct {
	name   string
	weight int
	detect func(in *Input) (string, map[string]interface{}, bool)
}

// detectors run in this order; ties in weight keep it.
var detectors = []detector{
	{AlertSilence, 2, detectSilence},
	{AlertConsecutiveMisses, 2, detectConsecutiveMisses},
	{AlertInconsistentTiming, 1, detectInconsistentTiming},
	{AlertSideEffectCluster, 2, detectSideEffectClustering},
	{AlertWeekendGaps, 1, detectWeekendGaps},
	{AlertSuddenStop, 3, detectSuddenStop},
}

// Silence: no log for 24 hours or more. A patient who has never logged is
// not silent.
func detectSilence(in *Input) (string, map[string]interface{}, bool) {
	if in.LastLogAt.IsZero() {
		return "", nil, false
	}
	hours := in.Now.Sub(in.LastLogAt).Hours()
	if hours < SilenceHours {
		return "", nil, false
	}
	return fmt.Sprintf("No doses logged for %.0f hours", math.Floor(hours)),
		map[string]interface{}{"hours_since_last_log": math.Floor(hours)}, true
}

func detectConsecutiveMisses(in *Input) (string, map[string]interface{}, bool) {
	longest, run := 0, 0
	for _, l := range in.Logs {
		if l.Status.NonAdherent() {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	if longest < ConsecutiveMissMin {
		return "", nil, false
	}
	return fmt.Sprintf("%d doses in a row were missed or skipped as unwell", longest),
		map[string]interface{}{"longest_run": longest}, true
}

// Inconsistent timing reports the medicine with the largest average
// deviation among those that qualify.
func detectInconsistentTiming(in *Input) (string, map[string]interface{}, bool) {
	type acc struct {
		total   int64
		samples int
	}
	byMedicine := make(map[string]*acc)
	for _, l := range in.Logs {
		if l.Status != models.StatusTaken || l.ActualTime == nil {
			continue
		}
		a := byMedicine[l.MedicineID]
		if a == nil {
			a = &acc{}
			byMedicine[l.MedicineID] = a
		}
		d := *l.ActualTime - l.ScheduledTime
		if d < 0 {
			d = -d
		}
		a.total += d
		a.samples++
	}

	ids := make([]string, 0, len(byMedicine))
	for id := range byMedicine {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		worstID  string
		worstAvg time.Duration
		samples  int
	)
	for _, id := range ids {
		a := byMedicine[id]
		if a.samples < TimingMinSamples {
			continue
		}
		avg := time.Duration(a.total/int64(a.samples)) * time.Second
		if avg > TimingMaxAvgDeviation && avg > worstAvg {
			worstID, worstAvg, samples = id, avg, a.samples
		}
	}
	if worstID == "" {
		return "", nil, false
	}
	hours := math.Round(worstAvg.Hours()*10) / 10
	return fmt.Sprintf("Doses taken on average %.1f hours off schedule", hours),
		map[string]interface{}{
			"medicine_id":         worstID,
			"avg_deviation_hours": hours,
			"samples":             samples,
		}, true
}

func detectSideEffectClustering(in *Input) (string, map[string]interface{}, bool) {
	since := in.Now.Add(-SymptomWindow).Unix()
	count := 0
	types := make(map[string]int)
	for _, s := range in.Symptoms {
		if s.CreatedAt < since {
			continue
		}
		count++
		types[s.SymptomType]++
	}
	if count < SymptomClusterMin {
		return "", nil, false
	}
	return fmt.Sprintf("%d symptoms reported in the last 7 days", count),
		map[string]interface{}{"count": count, "types": types}, true
}

// Weekend gaps count missed doses only; unwell is a reported reason, not a
// gap.
func detectWeekendGaps(in *Input) (string, map[string]interface{}, bool) {
	weekend, weekday := 0, 0
	for _, l := range in.Logs {
		if l.Status != models.StatusMissed {
			continue
		}
		switch time.Unix(l.ScheduledTime, 0).In(in.location()).Weekday() {
		case time.Saturday, time.Sunday:
			weekend++
		default:
			weekday++
		}
	}
	if weekend < WeekendMissMin || float64(weekend) <= WeekendMissRatio*float64(weekday) {
		return "", nil, false
	}
	return fmt.Sprintf("%d weekend doses missed against %d on weekdays", weekend, weekday),
		map[string]interface{}{"weekend_misses": weekend, "weekday_misses": weekday}, true
}

// Sudden stop compares the adherence rate of the five days ending three
// days ago with the miss rate of the last three days. Both windows need at
// least one log.
func detectSuddenStop(in *Input) (string, map[string]interface{}, bool) {
	day := 24 * time.Hour
	trailingStart := in.Now.Add(-suddenStopTrailingDays * day).Unix()
	priorStart := in.Now.Add(-suddenStopPriorLastDay * day).Unix()
	priorEnd := in.Now.Add(-suddenStopPriorFirstDay * day).Unix()
	now := in.Now.Unix()

	var priorTotal, priorTaken, trailingTotal, trailingMissed int
	for _, l := range in.Logs {
		switch t := l.ScheduledTime; {
		case t >= priorStart && t < priorEnd:
			priorTotal++
			if l.Status == models.StatusTaken {
				priorTaken++
			}
		case t >= trailingStart && t <= now:
			trailingTotal++
			if l.Status.NonAdherent() {
				trailingMissed++
			}
		}
	}
	if priorTotal == 0 || trailingTotal == 0 {
		return "", nil, false
	}

	priorRate := float64(priorTaken) / float64(priorTotal)
	missRate := float64(trailingMissed) / float64(trailingTotal)
	if priorRate < SuddenStopPriorRate || missRate < SuddenStopTrailingRate {
		return "", nil, false
	}
	return fmt.Sprintf("Adherence dropped from %.0f%% to %.0f%% in the last 3 days",
			priorRate*100, (1-missRate)*100),
		map[string]interface{}{
			"prior_adherence_rate": priorRate,
			"trailing_miss_rate":   missRate,
		}, true
}
