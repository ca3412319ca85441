package session

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

func formatRate(r float64) string {
	return strconv.FormatFloat(r*100, 'f', 1, 64) + "%"
}

// Print writes a human readable summary of the session.
func (s *Summary) Print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Session %s: %d/%d cycles completed (%s) in %s, stopped: %s\n",
		s.ID, s.Succeeded, s.Attempted, formatRate(s.SuccessRate()), s.Duration.Round(time.Second), s.StopReason); err != nil {
		return err
	}
	for _, rec := range s.Cycles {
		status := "completed"
		if !rec.Success {
			status = "aborted (" + string(rec.Reason) + ")"
		}
		task := "-"
		if rec.Task != nil {
			task = rec.Task.Text
		}
		if _, err := fmt.Fprintf(w, "  #%d %s %s: %s\n", rec.Number, status, rec.Duration.Round(time.Second), task); err != nil {
			return err
		}
		for _, st := range rec.Steps {
			if st.Commit != nil && st.Commit.Hash != "" {
				line := "     commit " + st.Commit.Hash
				if st.Commit.URL != "" {
					line += " " + st.Commit.URL
				}
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
