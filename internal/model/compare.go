package model

import (
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var (
	collatorOnce sync.Once
	collatorMu   sync.Mutex
	collator     *collate.Collator
)

// CompareNames orders board names the way a user expects: case-insensitive
// and with embedded numbers compared numerically ("Uno 2" < "Uno 10").
func CompareNames(a, b string) int {
	collatorOnce.Do(func() {
		collator = collate.New(language.Und, collate.IgnoreCase, collate.Numeric)
	})
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func comparePorts(a, b *Port) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if c := CompareNames(a.Address, b.Address); c != 0 {
		return c
	}
	return compareStrings(a.Protocol, b.Protocol)
}

// CompareAvailableBoards sorts selected first, then name, FQBN, port and
// state priority.
func CompareAvailableBoards(a, b AvailableBoard) int {
	if a.Selected != b.Selected {
		if a.Selected {
			return -1
		}
		return 1
	}
	if c := CompareNames(a.Name, b.Name); c != 0 {
		return c
	}
	if c := compareStrings(a.FQBN, b.FQBN); c != 0 {
		return c
	}
	if c := comparePorts(a.Port, b.Port); c != 0 {
		return c
	}
	return availableBoardStatePriority[a.State] - availableBoardStatePriority[b.State]
}

func SortAvailableBoards(boards []AvailableBoard) {
	sort.SliceStable(boards, func(i, j int) bool {
		return CompareAvailableBoards(boards[i], boards[j]) < 0
	})
}

func AvailableBoardsEqual(a, b []AvailableBoard) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
