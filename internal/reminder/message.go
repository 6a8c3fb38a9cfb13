package reminder

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"reminderd/internal/domain"
	"reminderd/internal/timemath"
)

// Message is the rendered text for one reminder.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

var emailTmpl = template.Must(template.New("email").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h2>{{.Heading}}</h2>
<p>{{.Lead}}</p>
<p><strong>When:</strong> {{.When}}</p>
{{- if .Description}}
<p>{{.Description}}</p>
{{- end}}
</body></html>
`))

type emailView struct {
	Heading     string
	Lead        string
	When        string
	Description string
}

func label(s domain.Subtype, coll domain.Collection) string {
	switch s {
	case domain.SubtypeMeeting:
		return "Meeting"
	case domain.SubtypeBooking:
		return "Booking"
	case domain.SubtypeCelebration:
		return "Celebration"
	case domain.SubtypeTask:
		return "Task"
	}
	if coll == domain.CollectionTasks {
		return "Task"
	}
	return "Event"
}

func lead(it domain.Item, now time.Time) string {
	verb := "starts"
	if it.Collection == domain.CollectionTasks || it.Subtype == domain.SubtypeTask {
		verb = "is due"
	}
	if !it.StartTime.After(now) {
		if verb == "is due" {
			return fmt.Sprintf("%q is due now.", it.Title)
		}
		return fmt.Sprintf("%q is starting now.", it.Title)
	}
	in := timemath.HumanDuration(now, it.StartTime)
	switch it.Subtype {
	case domain.SubtypeCelebration:
		return fmt.Sprintf("%q is coming up in %s. Don't forget to celebrate!", it.Title, in)
	case domain.SubtypeBooking:
		return fmt.Sprintf("Your booking %q %s in %s.", it.Title, verb, in)
	}
	return fmt.Sprintf("%q %s in %s.", it.Title, verb, in)
}

func when(it domain.Item, zone string) string {
	loc, err := timemath.LoadZone(zone)
	if err != nil {
		loc = time.UTC
	}
	start := it.StartTime.In(loc)
	if it.AllDay {
		return start.Format("Mon, 02 Jan 2006") + " (all day)"
	}
	return start.Format("Mon, 02 Jan 2006 15:04 MST")
}

// Render builds the notification and email text for it as seen at now.
func Render(it domain.Item, now time.Time, zone string) (Message, error) {
	heading := label(it.Subtype, it.Collection) + " reminder: " + it.Title
	v := emailView{
		Heading:     heading,
		Lead:        lead(it, now),
		When:        when(it, zone),
		Description: it.Description,
	}
	var buf bytes.Buffer
	if err := emailTmpl.Execute(&buf, v); err != nil {
		return Message{}, fmt.Errorf("render email: %w", err)
	}
	return Message{
		Subject: heading,
		Text:    v.Lead + " " + v.When,
		HTML:    buf.String(),
	}, nil
}
