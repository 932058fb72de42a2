package recurrence

import (
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/vetcare/scheduling/internal/domain/appointment"
)

// Calendar renders scheduled occurrences as an iCalendar document.
func Calendar(p *Pattern, serviceName string, items []*appointment.Appointment, stamp time.Time) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//vetcare//scheduling//EN")
	cal.SetName(fmt.Sprintf("%s (%s)", serviceName, p.Frequency))

	for _, a := range items {
		evt := cal.AddEvent(a.ID.String() + "@vetcare")
		evt.SetDtStampTime(stamp.UTC())
		evt.SetStartAt(a.StartTime.UTC())
		evt.SetEndAt(a.EndTime.UTC())
		evt.SetSummary(serviceName)
		evt.SetDescription(fmt.Sprintf("Recurring %s appointment, pattern %s", p.Frequency, p.ID))
	}
	return cal.Serialize()
}
