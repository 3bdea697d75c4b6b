package render

import (
	"fmt"
	"strings"

	"vestabot/internal/content"
)

type layoutFunc func(payload any, cols int) ([]string, error)

var layouts = map[content.Kind]layoutFunc{
	content.KindWeather:   weatherLines,
	content.KindStocks:    stocksLines,
	content.KindCalendar:  calendarLines,
	content.KindNews:      newsLines,
	content.KindCountdown: countdownLines,
}

func weatherLines(payload any, _ int) ([]string, error) {
	w, ok := payload.(content.Weather)
	if !ok {
		return nil, mismatch(content.KindWeather, payload)
	}
	return []string{
		strings.ToUpper(w.Location),
		"",
		fmt.Sprintf("%d° %s", w.TempF, strings.ToUpper(w.Condition)),
		"",
		fmt.Sprintf("HIGH %d°  LOW %d°", w.HighF, w.LowF),
		fmt.Sprintf("HUMIDITY %d%%", w.Humidity),
	}, nil
}

const maxQuotes = 4

func stocksLines(payload any, _ int) ([]string, error) {
	s, ok := payload.(content.Stocks)
	if !ok {
		return nil, mismatch(content.KindStocks, payload)
	}
	if len(s.Quotes) == 0 {
		return nil, fmt.Errorf("%w: no quotes", ErrRender)
	}
	lines := []string{"MARKETS", ""}
	for i, q := range s.Quotes {
		if i == maxQuotes {
			break
		}
		sign := ""
		if q.ChangePercent >= 0 {
			sign = "+"
		}
		lines = append(lines, fmt.Sprintf("%s $%.0f %s%.1f%%", q.Symbol, q.Price, sign, q.ChangePercent))
	}
	return lines, nil
}

const maxEvents = 3

func calendarLines(payload any, cols int) ([]string, error) {
	c, ok := payload.(content.Calendar)
	if !ok {
		return nil, mismatch(content.KindCalendar, payload)
	}
	lines := []string{
		strings.ToUpper(c.Day.Weekday().String()),
		strings.ToUpper(c.Day.Format("January 02")),
		"",
	}
	if len(c.Events) == 0 {
		return append(lines, "NO EVENTS TODAY"), nil
	}
	for i, e := range c.Events {
		if i == maxEvents {
			break
		}
		if e.AllDay {
			lines = append(lines, cut(strings.ToUpper(e.Title), cols))
			continue
		}
		at := e.Start.Format("3:04PM")
		lines = append(lines, at+" "+cut(strings.ToUpper(e.Title), cols-len(at)-1))
	}
	return lines, nil
}

func newsLines(payload any, _ int) ([]string, error) {
	n, ok := payload.(content.News)
	if !ok {
		return nil, mismatch(content.KindNews, payload)
	}
	if strings.TrimSpace(n.Headline) == "" {
		return nil, fmt.Errorf("%w: empty headline", ErrRender)
	}
	return []string{"NEWS", "", strings.ToUpper(n.Headline)}, nil
}

const maxCountdowns = 4

func countdownLines(payload any, cols int) ([]string, error) {
	c, ok := payload.(content.Countdowns)
	if !ok {
		return nil, mismatch(content.KindCountdown, payload)
	}
	if len(c.Items) == 0 {
		return []string{"COUNTDOWNS", "", "NO ACTIVE", "COUNTDOWNS", "", "ADD ONE IN THE APP"}, nil
	}
	lines := []string{"COUNTDOWNS", ""}
	for i, it := range c.Items {
		if i == maxCountdowns {
			break
		}
		var days string
		switch it.Days {
		case 0:
			days = "TODAY!"
		case 1:
			days = "1 DAY"
		default:
			days = fmt.Sprintf("%d DAYS", it.Days)
		}
		name := cut(strings.ToUpper(it.Name), cols-len(days)-1)
		pad := cols - displayWidth(name) - len(days)
		if pad < 1 {
			pad = 1
		}
		lines = append(lines, name+strings.Repeat(" ", pad)+days)
	}
	return lines, nil
}

// cut truncates s to n device cells.
func cut(s string, n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	w := 0
	for _, r := range s {
		if !Supported(r) {
			continue
		}
		rw := len(Encode(string(r)))
		if w+rw > n {
			break
		}
		b.WriteRune(r)
		w += rw
	}
	return strings.TrimRight(b.String(), " ")
}

func displayWidth(s string) int { return len(Encode(s)) }
