package domain

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allotment/pkg/dbtypes"
)

type ConsumerType string

const (
	ConsumerTypeSystem      ConsumerType = "system"
	ConsumerTypeHypervisor  ConsumerType = "hypervisor"
	ConsumerTypeDistributor ConsumerType = "candlepin"
	ConsumerTypePerson      ConsumerType = "person"
)

// Fact keys reported by consumers.
const (
	FactSockets        = "cpu.cpu_socket(s)"
	FactCoresPerSocket = "cpu.core(s)_per_socket"
	FactMemTotal       = "memory.memtotal"
	FactIsGuest        = "virt.is_guest"
	FactVirtUUID       = "virt.uuid"
)

// Capability names a distributor consumer may advertise.
const (
	CapabilityCores          = "cores"
	CapabilityRAM            = "ram"
	CapabilityInstanceMulti  = "instance_multiplier"
	CapabilityDerivedProduct = "derived_product"
)

// Compliance status values stored on the consumer.
const (
	StatusValid   = "valid"
	StatusPartial = "partial"
	StatusInvalid = "invalid"

	PurposeMatched      = "matched"
	PurposeMismatched   = "mismatched"
	PurposeNotSpecified = "not specified"
)

type Consumer struct {
	ID                  snowflake.ID       `json:"id" gorm:"primaryKey"`
	UUID                string             `json:"uuid" gorm:"type:text;not null;uniqueIndex"`
	OwnerID             snowflake.ID       `json:"owner_id" gorm:"not null;index"`
	Name                string             `json:"name" gorm:"type:text;not null"`
	Type                ConsumerType       `json:"type" gorm:"type:text;not null"`
	Facts               dbtypes.StringMap  `json:"facts"`
	InstalledProductIDs dbtypes.StringList `json:"installed_product_ids"`
	Capabilities        dbtypes.StringList `json:"capabilities"`
	Role                string             `json:"role,omitempty" gorm:"type:text"`
	Usage               string             `json:"usage,omitempty" gorm:"type:text"`
	ServiceLevel        string             `json:"service_level,omitempty" gorm:"type:text"`
	ServiceType         string             `json:"service_type,omitempty" gorm:"type:text"`
	Addons              dbtypes.StringList `json:"addons"`
	HostID              *snowflake.ID      `json:"host_id,omitempty" gorm:"index"`
	EntitlementStatus   string             `json:"entitlement_status" gorm:"type:text"`
	SystemPurposeStatus string             `json:"system_purpose_status" gorm:"type:text"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func (Consumer) TableName() string { return "consumers" }

func (c *Consumer) Fact(key string) string {
	if c == nil {
		return ""
	}
	v, _ := c.Facts.Get(key)
	return strings.TrimSpace(v)
}

func (c *Consumer) IsGuest() bool {
	switch strings.ToLower(c.Fact(FactIsGuest)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

func (c *Consumer) IsDistributor() bool {
	return c != nil && c.Type == ConsumerTypeDistributor
}

func (c *Consumer) HasCapability(name string) bool {
	return c != nil && c.Capabilities.Contains(name)
}

// Sockets defaults to 1 when the fact is missing or malformed.
func (c *Consumer) Sockets() int64 {
	v := parsePositive(c.Fact(FactSockets))
	if v == 0 {
		return 1
	}
	return v
}

// Cores is sockets times cores per socket; 0 when unreported.
func (c *Consumer) Cores() int64 {
	perSocket := parsePositive(c.Fact(FactCoresPerSocket))
	if perSocket == 0 {
		return 0
	}
	return c.Sockets() * perSocket
}

// RAMGB rounds reported kilobytes up to whole gigabytes; 0 when unreported.
func (c *Consumer) RAMGB() int64 {
	kb := parsePositive(c.Fact(FactMemTotal))
	if kb == 0 {
		return 0
	}
	return int64(math.Ceil(float64(kb) / (1024 * 1024)))
}

// VCPU is the guest's core count.
func (c *Consumer) VCPU() int64 {
	if !c.IsGuest() {
		return 0
	}
	return c.Cores()
}

func (c *Consumer) HasSystemPurpose() bool {
	return c.Role != "" || c.Usage != "" || c.ServiceLevel != "" || c.ServiceType != "" || len(c.Addons) > 0
}

func parsePositive(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
