package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session 为一天内的交易时段，单位为距零点的分钟数，两端均包含。
type Session struct {
	Start int
	End   int
}

// Contains 判断给定分钟是否落在时段内。
func (s Session) Contains(minute int) bool {
	return minute >= s.Start && minute <= s.End
}

func (s Session) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", s.Start/60, s.Start%60, s.End/60, s.End%60)
}

// ParseSessions 解析形如 "09:15-15:30" 的时段列表。
func ParseSessions(raw []string) ([]Session, error) {
	sessions := make([]Session, 0, len(raw))
	for _, item := range raw {
		parts := strings.Split(strings.TrimSpace(item), "-")
		if len(parts) != 2 {
			return nil, fmt.Errorf("时段格式应为 HH:MM-HH:MM: %q", item)
		}
		start, err := parseClock(parts[0])
		if err != nil {
			return nil, err
		}
		end, err := parseClock(parts[1])
		if err != nil {
			return nil, err
		}
		if start >= end {
			return nil, fmt.Errorf("时段开始时间必须早于结束时间: %q", item)
		}
		sessions = append(sessions, Session{Start: start, End: end})
	}
	return sessions, nil
}

func parseClock(raw string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("时间格式应为 HH:MM: %q", raw)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("小时无效: %q", raw)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("分钟无效: %q", raw)
	}
	return hour*60 + minute, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekdays 解析交易日列表，空列表表示周一至周五。
func ParseWeekdays(raw []string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool, 7)
	if len(raw) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			days[d] = true
		}
		return days, nil
	}
	for _, item := range raw {
		key := strings.ToLower(strings.TrimSpace(item))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("无法识别的交易日: %q", item)
		}
		days[d] = true
	}
	return days, nil
}
