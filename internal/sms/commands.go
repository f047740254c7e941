package sms

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/callyx/internal/crm"
	"github.com/MrWong99/callyx/pkg/phone"
)

// helpText is the reply to "help". Kept under the reply length cap.
const helpText = "Commands: call <name> and <task> | book <name> for <time> | " +
	"text <name> <message> | status | help. Anything else goes to the assistant."

// ownerCommand tries to interpret body as a literal command. It returns the
// reply and true when the command was recognized; false hands the message to
// the model instead. Only the owner's number reaches this path.
func (r *Router) ownerCommand(ctx context.Context, body string) (string, bool) {
	text := strings.TrimSpace(body)
	lower := strings.ToLower(text)

	switch lower {
	case "help", "?":
		return helpText, true
	case "status":
		return r.statusReply(), true
	}

	if rest, ok := cutPrefixFold(text, "call "); ok {
		return r.cmdCall(ctx, rest)
	}
	if rest, ok := cutPrefixFold(text, "book "); ok {
		return r.cmdBook(ctx, rest)
	}
	if rest, ok := cutPrefixFold(text, "text "); ok {
		return r.cmdText(ctx, rest)
	}

	// Natural phrasings that still map onto a call job.
	if m := remindRe.FindStringSubmatch(text); m != nil {
		return r.queueCallFor(ctx, m[1], "remind them about "+strings.TrimSpace(m[2]))
	}
	if m := scheduleRe.FindStringSubmatch(text); m != nil {
		return r.queueCallFor(ctx, m[1], "schedule a call at a time that works for them")
	}
	if m := meetingRe.FindStringSubmatch(text); m != nil {
		return r.queueCallFor(ctx, m[1], "set up a meeting about "+strings.TrimSpace(m[2]))
	}
	return "", false
}

var (
	remindRe   = regexp.MustCompile(`(?i)^remind\s+(.+?)\s+about\s+(.+)$`)
	scheduleRe = regexp.MustCompile(`(?i)^schedule\s+a\s+call\s+with\s+(.+)$`)
	meetingRe  = regexp.MustCompile(`(?i)^set\s+up\s+a\s+meeting\s+with\s+(.+?)\s+for\s+(.+)$`)
)

// cmdCall handles "call <name> and <objective>" / "call <name> to <objective>".
// With no separator the whole rest is the name and the objective defaults to a
// check-in.
func (r *Router) cmdCall(ctx context.Context, rest string) (string, bool) {
	name, objective := splitOnSeparator(rest, " and ", " to ")
	if objective == "" {
		objective = "check in and see how they are doing"
	}
	return r.queueCallFor(ctx, name, objective)
}

// cmdBook handles "book <name> for <datetime>".
func (r *Router) cmdBook(ctx context.Context, rest string) (string, bool) {
	name, when := splitOnSeparator(rest, " for ")
	if when == "" {
		return "When? Try: book " + name + " for tomorrow 2pm", true
	}
	at, ok := ParseWhen(when, time.Now())
	if !ok {
		return fmt.Sprintf("Could not read the time %q. Try: tomorrow 2pm, friday 10:30am.", when), true
	}
	objective := "book an appointment for " + at.Format("Monday, January 2 at 3:04 PM")
	return r.queueCallFor(ctx, name, objective)
}

// cmdText handles "text <name> <message>". The name may be one or two words;
// the longer resolution wins when both match.
func (r *Router) cmdText(ctx context.Context, rest string) (string, bool) {
	if r.send == nil {
		return "Sending texts is not available right now.", true
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "Try: text <name> <message>", true
	}

	name, message := fields[0], strings.Join(fields[1:], " ")
	if len(fields) >= 3 {
		twoWord := fields[0] + " " + fields[1]
		if _, ok := crm.ResolveName(ctx, r.store, twoWord); ok {
			name, message = twoWord, strings.Join(fields[2:], " ")
		}
	}

	var to phone.Number
	display := name
	if lead, ok := crm.ResolveName(ctx, r.store, name); ok {
		to = lead.Phone
		display = lead.Name
	} else if n := phone.Normalize(name); n.IsValid() {
		to = n
		display = n.Display()
	} else {
		return fmt.Sprintf("No contact found matching %q.", name), true
	}

	if err := r.send(ctx, to, message); err != nil {
		r.log.Warn("outbound text failed", "to", to.Display(), "err", err)
		return "Could not send the text: " + err.Error(), true
	}
	r.logMessage(ctx, crm.Message{
		Channel:   crm.ChannelSMS,
		Direction: crm.DirectionOut,
		From:      r.owner.Callback,
		To:        to,
		Body:      message,
		Status:    "sent",
	})
	return "Sent to " + display + ".", true
}

// queueCallFor resolves who and queues a call job with the given objective.
func (r *Router) queueCallFor(ctx context.Context, who, objective string) (string, bool) {
	who = strings.TrimSpace(who)
	if who == "" {
		return "Who should I call?", true
	}

	job := Job{Objective: objective}
	if lead, ok := crm.ResolveName(ctx, r.store, who); ok {
		job.Number = lead.Phone
		job.ContactName = lead.Name
	} else if n := phone.Normalize(who); n.IsValid() {
		job.Number = n
	} else {
		return fmt.Sprintf("No contact found matching %q. Add them first or give me a number.", who), true
	}

	receipt, err := r.enqueue(job)
	if err != nil {
		return "The call queue is full right now, try again in a bit.", true
	}
	return receipt, true
}

func (r *Router) statusReply() string {
	r.mu.Lock()
	pending := len(r.pending)
	next := ""
	if pending > 0 {
		who := r.pending[0].ContactName
		if who == "" {
			who = r.pending[0].Number.Display()
		}
		next = who
	}
	r.mu.Unlock()

	if pending == 0 {
		return "No calls pending."
	}
	return fmt.Sprintf("%d call(s) pending, next up: %s.", pending, next)
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding on the prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// splitOnSeparator splits rest on the first occurrence of any separator,
// trying them in order. Matching is case-insensitive.
func splitOnSeparator(rest string, seps ...string) (head, tail string) {
	lower := strings.ToLower(rest)
	for _, sep := range seps {
		if idx := strings.Index(lower, sep); idx >= 0 {
			return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx+len(sep):])
		}
	}
	return strings.TrimSpace(rest), ""
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var clockRe = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)

// ParseWhen reads informal datetimes like "tomorrow 2pm", "friday 10:30am",
// or "today". The day defaults to today, the time to 10:00. Bare hours from
// 1 to 7 without am/pm are taken as afternoon, matching how people text
// appointment times.
func ParseWhen(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(text)
	day := now
	matchedDay := false

	switch {
	case strings.Contains(lower, "today"):
		matchedDay = true
	case strings.Contains(lower, "tomorrow"):
		day = now.AddDate(0, 0, 1)
		matchedDay = true
	default:
		for name, wd := range weekdays {
			if strings.Contains(lower, name) {
				ahead := (int(wd) - int(now.Weekday()) + 7) % 7
				if ahead == 0 {
					ahead = 7
				}
				day = now.AddDate(0, 0, ahead)
				matchedDay = true
				break
			}
		}
	}

	hour, minute := 10, 0
	matchedTime := false
	if m := clockRe.FindStringSubmatch(lower); m != nil {
		h, err := strconv.Atoi(m[1])
		if err == nil && h >= 0 && h <= 23 {
			hour = h
			matchedTime = true
			if m[2] != "" {
				minute, _ = strconv.Atoi(m[2])
				if minute > 59 {
					minute = 0
				}
			}
			switch m[3] {
			case "pm":
				if hour < 12 {
					hour += 12
				}
			case "am":
				if hour == 12 {
					hour = 0
				}
			default:
				if hour >= 1 && hour <= 7 {
					hour += 12
				}
			}
		}
	}

	if !matchedDay && !matchedTime {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location()), true
}
