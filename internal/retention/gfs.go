// Package retention decides which stack archives survive a prune pass using
// grandfather-father-son bucketing, and applies that decision on disk.
package retention

import (
	"errors"
	"sort"
	"time"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// Archive is a single member of an archive series.
type Archive struct {
	Path      string
	Timestamp time.Time
	Size      int64
	IsDir     bool
}

// Tier names the bucket that claimed a retained archive.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
)

// Decision is the outcome of Prune.
type Decision struct {
	Retained []Archive
	Removed  []Archive
	// Duplicates are the subset of Removed dropped by the one-per-day rule.
	Duplicates []Archive
	Tiers      map[string]Tier
}

// Validate rejects negative keep counts.
func Validate(p models.RetentionPolicy) error {
	switch {
	case p.KeepDays < 0:
		return errors.New("keep_days cannot be negative")
	case p.KeepWeeks < 0:
		return errors.New("keep_weeks cannot be negative")
	case p.KeepMonths < 0:
		return errors.New("keep_months cannot be negative")
	case p.KeepYears < 0:
		return errors.New("keep_years cannot be negative")
	}
	return nil
}

// Prune partitions archives into retained and removed sets. The daily tier
// keeps everything from the keep_days calendar days ending at ref. The
// weekly, monthly and yearly tiers then each claim the newest archive of up
// to keep_weeks, keep_months and keep_years distinct periods that no
// retained archive already covers. Pruning the retained set again with the
// same ref and policy removes nothing.
func Prune(archives []Archive, p models.RetentionPolicy, ref time.Time) Decision {
	sorted := make([]Archive, len(archives))
	copy(sorted, archives)
	sortNewestFirst(sorted)

	d := Decision{Tiers: make(map[string]Tier)}

	if p.OnePerDay {
		seen := make(map[civilDay]bool)
		kept := sorted[:0:0]
		for _, a := range sorted {
			day := dayOf(a.Timestamp)
			if seen[day] {
				d.Duplicates = append(d.Duplicates, a)
				continue
			}
			seen[day] = true
			kept = append(kept, a)
		}
		sorted = kept
	}

	var (
		weeks  = make(map[[2]int]bool)
		months = make(map[[2]int]bool)
		years  = make(map[int]bool)

		weekly, monthly, yearly int
	)

	cover := func(t time.Time) {
		y, w := t.ISOWeek()
		weeks[[2]int{y, w}] = true
		months[[2]int{t.Year(), int(t.Month())}] = true
		years[t.Year()] = true
	}

	refDay := dayOf(ref)
	for _, a := range sorted {
		y, w := a.Timestamp.ISOWeek()
		month := [2]int{a.Timestamp.Year(), int(a.Timestamp.Month())}

		var tier Tier
		switch {
		case p.KeepDays > 0 && refDay.sub(dayOf(a.Timestamp)) < p.KeepDays:
			tier = TierDaily
		case weekly < p.KeepWeeks && !weeks[[2]int{y, w}]:
			tier = TierWeekly
			weekly++
		case monthly < p.KeepMonths && !months[month]:
			tier = TierMonthly
			monthly++
		case yearly < p.KeepYears && !years[a.Timestamp.Year()]:
			tier = TierYearly
			yearly++
		default:
			d.Removed = append(d.Removed, a)
			continue
		}

		cover(a.Timestamp)
		d.Tiers[a.Path] = tier
		d.Retained = append(d.Retained, a)
	}

	d.Removed = append(d.Removed, d.Duplicates...)
	sortNewestFirst(d.Removed)
	return d
}

func sortNewestFirst(archives []Archive) {
	sort.SliceStable(archives, func(i, j int) bool {
		if archives[i].Timestamp.Equal(archives[j].Timestamp) {
			return archives[i].Path > archives[j].Path
		}
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
}

// civilDay is a calendar date independent of time of day.
type civilDay struct {
	year  int
	month time.Month
	day   int
}

func dayOf(t time.Time) civilDay {
	y, m, d := t.Date()
	return civilDay{y, m, d}
}

// sub returns the number of calendar days from o to c.
func (c civilDay) sub(o civilDay) int {
	a := time.Date(c.year, c.month, c.day, 0, 0, 0, 0, time.UTC)
	b := time.Date(o.year, o.month, o.day, 0, 0, 0, 0, time.UTC)
	return int(a.Sub(b).Hours() / 24)
}
