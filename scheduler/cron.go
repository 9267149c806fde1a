package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// predefinedSchedules maps cron macros to their 5-field equivalents.
var predefinedSchedules = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// CronSchedule is a standard 5-field cron expression (minute hour
// day-of-month month day-of-week), with the @yearly/@monthly/@weekly/
// @daily/@midnight/@hourly macros.
type CronSchedule struct {
	minutes     []int
	hours       []int
	daysOfMonth []int
	months      []int
	daysOfWeek  []int
	expr        string
}

// NewCronSchedule parses expr into a CronSchedule. Returns ErrInvalidCron
// if the expression is malformed.
func NewCronSchedule(expr string) (*CronSchedule, error) {
	expr = strings.TrimSpace(expr)

	if replacement, ok := predefinedSchedules[strings.ToLower(expr)]; ok {
		expr = replacement
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}

	cs := &CronSchedule{expr: expr}
	var err error

	if cs.minutes, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("%w: minute field: %v", ErrInvalidCron, err)
	}
	if cs.hours, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("%w: hour field: %v", ErrInvalidCron, err)
	}
	if cs.daysOfMonth, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("%w: day-of-month field: %v", ErrInvalidCron, err)
	}
	if cs.months, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("%w: month field: %v", ErrInvalidCron, err)
	}
	if cs.daysOfWeek, err = parseCronField(fields[4], 0, 6); err != nil {
		return nil, fmt.Errorf("%w: day-of-week field: %v", ErrInvalidCron, err)
	}

	return cs, nil
}

// Next returns the next activation time after from, searching up to 4
// years ahead to account for leap years. Returns the zero time if none is
// found within that window.
func (cs *CronSchedule) Next(from time.Time) time.Time {
	t := from.Add(time.Minute - time.Duration(from.Second())*time.Second -
		time.Duration(from.Nanosecond())).Truncate(time.Minute)

	limit := t.Add(4 * 365 * 24 * time.Hour)

	for t.Before(limit) {
		if !intSliceContains(cs.months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intSliceContains(cs.daysOfMonth, t.Day()) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intSliceContains(cs.daysOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !intSliceContains(cs.hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !intSliceContains(cs.minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}

	return time.Time{}
}

// String returns the original cron expression.
func (cs *CronSchedule) String() string {
	return cs.expr
}

func parseCronField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return makeRange(min, max, 1), nil
	}

	var values []int
	for _, part := range strings.Split(field, ",") {
		partValues, err := parseCronPart(part, min, max)
		if err != nil {
			return nil, err
		}
		values = append(values, partValues...)
	}

	values = uniqueInts(values)
	sort.Ints(values)

	if len(values) == 0 {
		return nil, fmt.Errorf("no values resolved for field: %s", field)
	}
	return values, nil
}

func parseCronPart(part string, min, max int) ([]int, error) {
	stepParts := strings.SplitN(part, "/", 2)

	step := 1
	if len(stepParts) == 2 {
		var err error
		step, err = strconv.Atoi(stepParts[1])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value: %s", stepParts[1])
		}
	}

	rangeStr := stepParts[0]

	if rangeStr == "*" {
		return makeRange(min, max, step), nil
	}

	rangeParts := strings.SplitN(rangeStr, "-", 2)
	if len(rangeParts) == 2 {
		rangeMin, err := strconv.Atoi(rangeParts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", rangeParts[0])
		}
		rangeMax, err := strconv.Atoi(rangeParts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", rangeParts[1])
		}
		if rangeMin < min || rangeMax > max || rangeMin > rangeMax {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d, %d]", rangeMin, rangeMax, min, max)
		}
		return makeRange(rangeMin, rangeMax, step), nil
	}

	val, err := strconv.Atoi(rangeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid value: %s", rangeStr)
	}
	if val < min || val > max {
		return nil, fmt.Errorf("value %d out of bounds [%d, %d]", val, min, max)
	}
	return []int{val}, nil
}

func makeRange(start, end, step int) []int {
	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result
}

func intSliceContains(slice []int, val int) bool {
	idx := sort.SearchInts(slice, val)
	return idx < len(slice) && slice[idx] == val
}

func uniqueInts(slice []int) []int {
	seen := make(map[int]bool, len(slice))
	result := make([]int, 0, len(slice))
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
