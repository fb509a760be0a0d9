package tools

import (
	"context"
	"time"

	"care-companion/pkg"
)

// UserStore is the profile storage the tools need.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*pkg.User, error)
	UpsertUser(ctx context.Context, u *pkg.User) error
}

// PrescriptionStore is the prescription storage the tools need.
type PrescriptionStore interface {
	AddPrescription(ctx context.Context, p *pkg.Prescription) error
	ListPrescriptions(ctx context.Context, userID, status string) ([]pkg.Prescription, error)
	GetPrescription(ctx context.Context, userID, id string) (*pkg.Prescription, error)
	SetSchedule(ctx context.Context, userID, id string, times []string, until *time.Time) error
}

// Toolkit implements the care companion tools on top of the stores.
type Toolkit struct {
	Users         UserStore
	Prescriptions PrescriptionStore
	Files         FileSender // nil disables calendar delivery
	Chats         ChatLookup
	Now           func() time.Time
}

// NewToolkit constructs a Toolkit.
func NewToolkit(users UserStore, prescriptions PrescriptionStore) *Toolkit {
	return &Toolkit{Users: users, Prescriptions: prescriptions, Now: time.Now}
}

// NewRegistry returns a registry holding every tool of the kit.
func (k *Toolkit) NewRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := k.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds every tool of the kit to r.
func (k *Toolkit) Register(r *Registry) error {
	tools := []struct {
		def     Definition
		handler Handler
	}{
		{getUserProfileDef, k.getUserProfile},
		{updateUserProfileDef, k.updateUserProfile},
		{saveUserNotesDef, k.saveUserNotes},
		{detectUserTimezoneDef, k.detectUserTimezone},
		{suggestTimezoneDef, k.suggestTimezoneFromLanguage},
		{addPrescriptionDef, k.addPrescription},
		{getPrescriptionsDef, k.getUserPrescriptions},
		{setScheduleDef, k.setMedicationSchedule},
		{getScheduleDef, k.getMedicationSchedule},
		{clearScheduleDef, k.clearMedicationSchedule},
		{calendarDef, k.generateMedicationCalendar},
	}
	for _, t := range tools {
		if err := r.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (k *Toolkit) now() time.Time {
	if k.Now == nil {
		return time.Now().UTC()
	}
	return k.Now().UTC()
}

func (k *Toolkit) user(ctx context.Context) (*pkg.User, error) {
	id, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return k.Users.GetUser(ctx, id)
}
