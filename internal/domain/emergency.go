package domain

import "time"

// EmergencyState is the halt configuration. Once a scope is set only an
// administrative reset clears it.
type EmergencyState struct {
	Global       bool                  `json:"global"`
	GlobalReason string                `json:"global_reason,omitempty"`
	Venues       map[VenueID]string    `json:"venues,omitempty"`
	Instruments  map[Instrument]string `json:"instruments,omitempty"`
	Since        time.Time             `json:"since,omitempty"`
}

// Covers reports whether an order for instrument on venue is halted. An
// empty venue only checks the global and instrument scopes.
func (s EmergencyState) Covers(venue VenueID, instrument Instrument) bool {
	if s.Global {
		return true
	}
	if venue != "" {
		if _, ok := s.Venues[venue]; ok {
			return true
		}
	}
	if instrument != "" {
		if _, ok := s.Instruments[instrument]; ok {
			return true
		}
	}
	return false
}

// Active reports whether any scope is halted.
func (s EmergencyState) Active() bool {
	return s.Global || len(s.Venues) > 0 || len(s.Instruments) > 0
}

// Clone returns a copy that does not share maps with s.
func (s EmergencyState) Clone() EmergencyState {
	out := s
	if s.Venues != nil {
		out.Venues = make(map[VenueID]string, len(s.Venues))
		for k, v := range s.Venues {
			out.Venues[k] = v
		}
	}
	if s.Instruments != nil {
		out.Instruments = make(map[Instrument]string, len(s.Instruments))
		for k, v := range s.Instruments {
			out.Instruments[k] = v
		}
	}
	return out
}

// EmergencyScope selects what a stop or cancel sweep applies to. The zero
// value means everything.
type EmergencyScope struct {
	Venue      VenueID    `json:"venue,omitempty"`
	Instrument Instrument `json:"instrument,omitempty"`
}

// Matches reports whether an order on venue/instrument falls in scope.
func (s EmergencyScope) Matches(venue VenueID, instrument Instrument) bool {
	if s.Venue != "" && s.Venue != venue {
		return false
	}
	if s.Instrument != "" && s.Instrument != instrument {
		return false
	}
	return true
}
