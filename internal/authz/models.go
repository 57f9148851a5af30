// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_authz

import "time"

// Appointment statuses that establish a legitimate patient↔doctor context
// for a call. Anything else (cancelled, no_show, …) does not.
const (
	AppointmentScheduled  = "scheduled"
	AppointmentInProgress = "in_progress"
	AppointmentCompleted  = "completed"
)

// Appointment is the read-only slice of the platform's appointment record
// that the call gate needs. The appointment service owns the full schema;
// this model only maps the columns consulted here.
type Appointment struct {
	Id          uint64    `gorm:"type:bigint;primaryKey;<-:create"`
	PatientID   string    `gorm:"column:patient_id;type:varchar(36);not null;index"`
	DoctorID    string    `gorm:"column:doctor_id;type:varchar(36);not null;index"`
	Status      string    `gorm:"column:status;type:varchar(20);not null"`
	ScheduledAt time.Time `gorm:"column:scheduled_at;type:timestamp"`
}

func (Appointment) TableName() string {
	return "appointments"
}

// RoomParticipant declares a user as a member of a consultation room.
type RoomParticipant struct {
	Id     uint64 `gorm:"type:bigint;primaryKey;<-:create"`
	RoomID string `gorm:"column:room_id;type:varchar(36);not null;index"`
	UserID string `gorm:"column:user_id;type:varchar(36);not null;index"`
}

func (RoomParticipant) TableName() string {
	return "room_participants"
}
