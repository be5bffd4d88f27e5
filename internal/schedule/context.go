package schedule

import (
	"time"
)

// Context is the immutable per-request snapshot used to evaluate schedules
// for one participant at one moment. Build one with NewContextBuilder; the
// value is frozen once built.
type Context struct {
	studyID    string
	zone       *time.Location
	endsOn     time.Time
	events     map[string]time.Time
	healthCode string
	clientInfo ClientInfo
	now        time.Time
}

func (c Context) StudyID() string        { return c.studyID }
func (c Context) Zone() *time.Location   { return c.zone }
func (c Context) EndsOn() time.Time      { return c.endsOn }
func (c Context) HealthCode() string     { return c.healthCode }
func (c Context) ClientInfo() ClientInfo { return c.clientInfo }

// Now is the generation instant. It defaults to the wall clock at build time
// and exists so tests can pin it.
func (c Context) Now() time.Time { return c.now }

// Event returns the named event timestamp, if present.
func (c Context) Event(name string) (time.Time, bool) {
	t, ok := c.events[name]
	return t, ok
}

// ContextBuilder assembles a Context. Zero or more With calls, then Build;
// the builder is not safe to reuse across goroutines but the built Context is.
type ContextBuilder struct {
	ctx Context
}

func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{ctx: Context{
		zone:   time.UTC,
		events: map[string]time.Time{},
	}}
}

// WithContext seeds the builder from an existing context.
func (b *ContextBuilder) WithContext(other Context) *ContextBuilder {
	events := make(map[string]time.Time, len(other.events))
	for k, v := range other.events {
		events[k] = v
	}
	b.ctx = other
	b.ctx.events = events
	return b
}

func (b *ContextBuilder) WithStudyID(studyID string) *ContextBuilder {
	b.ctx.studyID = studyID
	return b
}

func (b *ContextBuilder) WithZone(zone *time.Location) *ContextBuilder {
	if zone != nil {
		b.ctx.zone = zone
	}
	return b
}

func (b *ContextBuilder) WithEndsOn(endsOn time.Time) *ContextBuilder {
	b.ctx.endsOn = endsOn
	return b
}

func (b *ContextBuilder) WithEvent(name string, ts time.Time) *ContextBuilder {
	b.ctx.events[name] = ts
	return b
}

func (b *ContextBuilder) WithEvents(events map[string]time.Time) *ContextBuilder {
	for k, v := range events {
		b.ctx.events[k] = v
	}
	return b
}

func (b *ContextBuilder) WithHealthCode(healthCode string) *ContextBuilder {
	b.ctx.healthCode = healthCode
	return b
}

func (b *ContextBuilder) WithClientInfo(ci ClientInfo) *ContextBuilder {
	b.ctx.clientInfo = ci
	return b
}

func (b *ContextBuilder) WithNow(now time.Time) *ContextBuilder {
	b.ctx.now = now
	return b
}

// Build freezes and returns the context. The builder's event map is copied so
// later builder mutations cannot leak into the built value.
func (b *ContextBuilder) Build() Context {
	ctx := b.ctx
	events := make(map[string]time.Time, len(ctx.events))
	for k, v := range ctx.events {
		events[k] = v
	}
	ctx.events = events
	if ctx.now.IsZero() {
		ctx.now = time.Now()
	}
	return ctx
}
