package models

import (
	"time"
)

// CollaboratorIdentity is a verified principal: the SHA-256 fingerprint of
// the certificate the peer presented plus the subject common name. It is
// established by the identity layer and immutable afterwards.
type CollaboratorIdentity struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

type Collaborator struct {
	ID            uint               `json:"id" gorm:"primaryKey;autoIncrement"`
	Fingerprint   string             `json:"fingerprint" gorm:"type:varchar(64);unique"`
	Name          string             `json:"name" gorm:"type:varchar(255)"`
	Status        CollaboratorStatus `json:"status" gorm:"type:varchar(50)"`
	LastHeartbeat time.Time          `json:"last_heartbeat" gorm:"type:timestamp;default:now()"`
	CreatedAt     time.Time          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time          `json:"updated_at" gorm:"autoUpdateTime"`
}

func (c *Collaborator) Identity() CollaboratorIdentity {
	return CollaboratorIdentity{
		Fingerprint: c.Fingerprint,
		Name:        c.Name,
	}
}

type CollaboratorStatus string

const (
	CollaboratorStatusOnline  CollaboratorStatus = "online"
	CollaboratorStatusOffline CollaboratorStatus = "offline"
)
