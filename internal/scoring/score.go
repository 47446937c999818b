// Package scoring turns windowed report events into availability labels and ranks.
package scoring

import (
	"sort"
	"time"
)

// Status is the outcome a reporter observed at a store.
type Status string

const (
	// StatusFound means the product was on the shelf.
	StatusFound Status = "found"
	// StatusNotFound means the product was missing.
	StatusNotFound Status = "not_found"
)

// ParseStatus returns the Status for the raw value and whether it is recognized.
func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusFound:
		return StatusFound, true
	case StatusNotFound:
		return StatusNotFound, true
	default:
		return "", false
	}
}

// LiveLabel is the short-window availability label.
type LiveLabel string

const (
	LiveNone LiveLabel = "none"
	LiveLow  LiveLabel = "low"
	LiveMid  LiveLabel = "mid"
	LiveHigh LiveLabel = "high"
)

// Rank orders live labels: none < low < mid < high.
type Rank int

const (
	RankNone Rank = 0
	RankLow  Rank = 1
	RankMid  Rank = 2
	RankHigh Rank = 3
)

// Event is the minimal view of a report the scorer needs.
type Event struct {
	StoreID   string
	Status    Status
	CreatedAt time.Time
}

// Tally aggregates events of one store/product pair inside a window.
type Tally struct {
	FoundCount     int
	NotFoundCount  int
	LastFoundAt    *time.Time
	LastNotFoundAt *time.Time
	LastEventAt    *time.Time
	LastStatus     Status
}

// Total returns the number of events in the tally.
func (t Tally) Total() int {
	return t.FoundCount + t.NotFoundCount
}

// Add folds one event into the tally. Events may arrive in any order.
// When a found and a not_found event share the latest timestamp, not_found wins,
// so a contested pair is never reported as confirmed available.
func (t *Tally) Add(event Event) {
	createdAt := event.CreatedAt
	switch event.Status {
	case StatusFound:
		t.FoundCount++
		if t.LastFoundAt == nil || createdAt.After(*t.LastFoundAt) {
			t.LastFoundAt = &createdAt
		}
	case StatusNotFound:
		t.NotFoundCount++
		if t.LastNotFoundAt == nil || createdAt.After(*t.LastNotFoundAt) {
			t.LastNotFoundAt = &createdAt
		}
	default:
		return
	}

	switch {
	case t.LastEventAt == nil || createdAt.After(*t.LastEventAt):
		t.LastEventAt = &createdAt
		t.LastStatus = event.Status
	case createdAt.Equal(*t.LastEventAt) && event.Status == StatusNotFound:
		t.LastStatus = StatusNotFound
	}
}

// TallyByStore groups events per store id, ignoring events outside [since, until].
// A zero until means no upper bound.
func TallyByStore(events []Event, since, until time.Time) map[string]Tally {
	tallies := make(map[string]Tally)
	for _, event := range events {
		if event.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && event.CreatedAt.After(until) {
			continue
		}
		tally := tallies[event.StoreID]
		tally.Add(event)
		tallies[event.StoreID] = tally
	}
	return tallies
}

// LiveScore is the short-window snapshot.
type LiveScore struct {
	Tally
	Label LiveLabel
	Rank  Rank
}

// ScoreLive derives the short-window label and rank from a tally.
func ScoreLive(tally Tally) LiveScore {
	score := LiveScore{Tally: tally}
	switch {
	case tally.Total() == 0:
		score.Label, score.Rank = LiveNone, RankNone
	case tally.FoundCount == 0:
		score.Label, score.Rank = LiveLow, RankLow
	case tally.NotFoundCount == 0 && tally.LastStatus == StatusFound:
		score.Label, score.Rank = LiveHigh, RankHigh
	default:
		score.Label, score.Rank = LiveMid, RankMid
	}
	return score
}

// Ranked is anything that can be placed in rank order.
type Ranked interface {
	RankValue() Rank
	LastEventTime() *time.Time
	Distance() float64
}

// Less reports whether a sorts before b: rank descending, then most recent
// event first, then nearest first. A missing last event sorts after any present one.
func Less(a, b Ranked) bool {
	if a.RankValue() != b.RankValue() {
		return a.RankValue() > b.RankValue()
	}
	aLast, bLast := a.LastEventTime(), b.LastEventTime()
	switch {
	case aLast != nil && bLast == nil:
		return true
	case aLast == nil && bLast != nil:
		return false
	case aLast != nil && bLast != nil && !aLast.Equal(*bLast):
		return aLast.After(*bLast)
	}
	return a.Distance() < b.Distance()
}

// SortByRank orders items in place with Less. Equal items keep their input order.
func SortByRank[T Ranked](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return Less(items[i], items[j])
	})
}
