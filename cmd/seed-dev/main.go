// seed-dev seeds a local development dataset: one clinic with a handful of
// intake requests in various lifecycle states plus generated drafts.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/models"
	"bitbucket.org/medfocus/intake_backend/utils"
	"bitbucket.org/medfocus/intake_backend/workflow"
)

const (
	seedClinicId  = "clinic-dev"
	seedActorId   = "doctor-dev-1"
	seedActorName = "Dr Dev"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx = utils.SetClinicIdInContext(ctx, seedClinicId)
	ctx = utils.SetActorIdInContext(ctx, seedActorId)
	ctx = utils.SetActorNameInContext(ctx, seedActorName)

	certificate, err := models.CreateRequest(ctx, &models.NewRequest{
		PatientId:   "patient-dev-1",
		Type:        models.RequestTypeCertificate,
		AmountTotal: decimal.NewFromInt(19),
		Answers: map[string]interface{}{
			"reason":        "URTI symptoms",
			"symptom_days":  3,
			"work_days_off": 2,
		},
	})
	if err != nil {
		fail("create certificate request", err)
	}

	// Walk the certificate request to paid so it lands on the review queue.
	for _, target := range []models.RequestStatus{models.RequestStatusPendingPayment, models.RequestStatusPaid} {
		if _, err := workflow.Transition(ctx, certificate.ID, target, workflow.TransitionOpts{}); err != nil {
			fail(fmt.Sprintf("transition certificate to %s", target), err)
		}
	}

	if _, err := models.CreateDraftVersion(ctx, &models.NewDraft{
		RequestId:   certificate.ID,
		ContentType: models.DraftContentTypeClinicalNote,
		Content: map[string]interface{}{
			"note": "Patient reports URTI symptoms of 3 days duration. Requests certificate for 2 days off work.",
		},
	}); err != nil {
		fail("create certificate draft", err)
	}

	prescription, err := models.CreateRequest(ctx, &models.NewRequest{
		PatientId:           "patient-dev-2",
		Type:                models.RequestTypePrescription,
		RiskTier:            models.RiskTierHigh,
		RequiresLiveConsult: true,
		AmountTotal:         decimal.NewFromInt(39),
		Answers: map[string]interface{}{
			"medication": "salbutamol inhaler",
			"last_visit": "2025-11-02",
		},
	})
	if err != nil {
		fail("create prescription request", err)
	}

	fmt.Printf("seeded clinic %s: certificate request %s (paid), prescription request %s (draft)\n",
		seedClinicId, certificate.ID, prescription.ID)
}

func fail(context string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", context, err)
	os.Exit(1)
}
