package risk

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ActiveRules returns active rules in evaluation order (ascending
// priority, then creation order for stability).
func (d *Database) ActiveRules() ([]Rule, error) {
	var rules []Rule
	err := d.db.Where("active = ?", true).Order("priority asc, id asc").Find(&rules).Error
	return rules, err
}

func (d *Database) CreateRule(rule *Rule) error {
	return d.db.Create(rule).Error
}

func (d *Database) GetRule(ruleID string) (*Rule, error) {
	var rule Rule
	if err := d.db.Where("rule_id = ?", ruleID).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

func (d *Database) UpdateRule(rule *Rule) error {
	return d.db.Save(rule).Error
}

func (d *Database) ListRules() ([]Rule, error) {
	var rules []Rule
	err := d.db.Order("priority asc, id asc").Find(&rules).Error
	return rules, err
}

// DeactivateRule flips a rule inactive; rules are never deleted so the
// audit trail can always resolve a fired rule id.
func (d *Database) DeactivateRule(ruleID string) error {
	return d.db.Model(&Rule{}).Where("rule_id = ?", ruleID).Update("active", false).Error
}
