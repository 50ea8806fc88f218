package api

import (
	"time"

	"github.com/classinsights/agent/internal/schedule"
)

type Lesson struct {
	LessonID  int       `json:"lessonId"`
	RoomID    int       `json:"roomId"`
	SubjectID int       `json:"subjectId"`
	ClassID   int       `json:"classId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// ScheduleLessons projects lessons onto the intervals the schedule engine uses.
func ScheduleLessons(lessons []Lesson) []schedule.Lesson {
	out := make([]schedule.Lesson, len(lessons))
	for i, l := range lessons {
		out[i] = schedule.Lesson{Start: l.Start, End: l.End}
	}
	return out
}

type Room struct {
	RoomID      int    `json:"roomId"`
	DisplayName string `json:"displayName"`
	Enabled     bool   `json:"enabled"`
}

// Computer is the device record the server keeps for this machine.
type Computer struct {
	ComputerID       *int      `json:"computerId"`
	RoomID           int       `json:"roomId"`
	Name             string    `json:"name"`
	MacAddress       string    `json:"macAddress"`
	IPAddress        string    `json:"ipAddress"`
	LastSeen         time.Time `json:"lastSeen"`
	LastUser         string    `json:"lastUser"`
	Version          string    `json:"version,omitempty"`
	OrganizationUnit string    `json:"organizationUnit,omitempty"`
}

// Settings are the school-wide shutdown rules from the dashboard.
type Settings struct {
	LessonGapMinutes int  `json:"lessonGapMinutes"`
	NoLessonsTime    int  `json:"noLessonsTime"`
	CheckUser        bool `json:"checkUser"`
	CheckAfk         bool `json:"checkAfk"`
	AfkTimeout       int  `json:"afkTimeout"`
	DelayShutdown    bool `json:"delayShutdown"`
	ShutdownDelay    int  `json:"shutdownDelay"`
}

type ClientVersion struct {
	ClientVersion string `json:"clientVersion"`
}

// LogRecord is one entry of a logs/batch upload.
type LogRecord struct {
	ComputerID int       `json:"computerId"`
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Category   string    `json:"category"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
}
