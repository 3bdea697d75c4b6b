package content

import "time"

// Payload types, one per kind. The renderer switches on these.

type Text struct {
	Message string
}

type Weather struct {
	Location  string
	TempF     int
	Condition string
	HighF     int
	LowF      int
	Humidity  int
}

type Quote struct {
	Symbol        string
	Price         float64
	ChangePercent float64
}

type Stocks struct {
	Quotes []Quote
}

type Event struct {
	Title  string
	Start  time.Time
	AllDay bool
}

type Calendar struct {
	Day    time.Time
	Events []Event
}

type News struct {
	Headline string
	Source   string
}

type Countdown struct {
	Name string
	Days int
}

type Countdowns struct {
	Items []Countdown
}

type Clear struct{}
