// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package internal_authz

import (
	"context"
	"fmt"

	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/connectors"
)

// RelationshipStore answers the two read-only questions the gate asks.
// The relational store behind it is owned by the appointment service; the
// call core never writes through this interface.
type RelationshipStore interface {
	// HasActiveRelationship reports whether an appointment in an active
	// status links the two users, in either direction.
	HasActiveRelationship(ctx context.Context, userA, userB string) (bool, error)

	// IsRoomParticipant reports whether userID is a declared participant
	// of roomID.
	IsRoomParticipant(ctx context.Context, userID, roomID string) (bool, error)
}

type postgresRelationshipStore struct {
	postgres connectors.PostgresConnector
	logger   commons.Logger
}

// NewRelationshipStore creates the store backed by the platform's
// relational database.
func NewRelationshipStore(postgres connectors.PostgresConnector, logger commons.Logger) RelationshipStore {
	return &postgresRelationshipStore{postgres: postgres, logger: logger}
}

func (s *postgresRelationshipStore) HasActiveRelationship(ctx context.Context, userA, userB string) (bool, error) {
	db := s.postgres.DB(ctx)
	var count int64
	err := db.Model(&Appointment{}).
		Where("((patient_id = ? AND doctor_id = ?) OR (patient_id = ? AND doctor_id = ?))",
			userA, userB, userB, userA).
		Where("status IN ?", []string{AppointmentScheduled, AppointmentInProgress, AppointmentCompleted}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query appointment relationship: %w", err)
	}
	return count > 0, nil
}

func (s *postgresRelationshipStore) IsRoomParticipant(ctx context.Context, userID, roomID string) (bool, error) {
	db := s.postgres.DB(ctx)
	var count int64
	err := db.Model(&RoomParticipant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query room participation: %w", err)
	}
	return count > 0, nil
}
