package domain

import "time"

// Document is a file attached to a competition (invitation, PM, results).
type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// Location is a geographic point with an optional display name.
type Location struct {
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// CompetitionSummary is the list representation returned by the competition API.
type CompetitionSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Date            string    `json:"date"`
	EndDate         string    `json:"endDate,omitempty"`
	Organizers      []string  `json:"organizers,omitempty"`
	District        string    `json:"district,omitempty"`
	Branch          string    `json:"branch,omitempty"`
	Disciplines     []string  `json:"disciplines,omitempty"`
	CompetitionType string    `json:"competitionType,omitempty"`
	Location        *Location `json:"location,omitempty"`
	DistanceKm      *float64  `json:"distanceKm,omitempty"`
}

// Competition is the detailed record returned for a single competition.
type Competition struct {
	CompetitionSummary
	Description      string     `json:"description,omitempty"`
	Documents        []Document `json:"documents,omitempty"`
	ParticipantCount int        `json:"participantCount,omitempty"`
	EntryDeadline    string     `json:"entryDeadline,omitempty"`
	Links            []Document `json:"links,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
}
