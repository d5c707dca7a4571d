package models_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/medfocus/intake_backend/config"
	"bitbucket.org/medfocus/intake_backend/models"
	"bitbucket.org/medfocus/intake_backend/utils"
	"bitbucket.org/medfocus/intake_backend/workflow"
)

// setupLifecycleTest spins up mysql+redis containers, connects the globals, and
// returns an actor-scoped context for clinic-test.
func setupLifecycleTest(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "intake_test")
	t.Setenv("PUBSUB_STATUS_TOPIC", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	config.ClearRedis(context.Background())
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetClinicIdInContext(ctx, "clinic-test")
	ctx = utils.SetActorIdInContext(ctx, "dr-test")
	ctx = utils.SetActorNameInContext(ctx, "Dr Test")
	return ctx
}

func createPaidRequest(t *testing.T, ctx context.Context, requestType models.RequestType) *models.Request {
	t.Helper()
	request, err := models.CreateRequest(ctx, &models.NewRequest{
		PatientId:   "patient-1",
		Type:        requestType,
		Answers:     map[string]interface{}{"symptom": "cough", "duration_days": 3},
		AmountTotal: decimal.NewFromInt(39),
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	for _, target := range []models.RequestStatus{models.RequestStatusPendingPayment, models.RequestStatusPaid} {
		if _, err := workflow.Transition(ctx, request.ID, target, workflow.TransitionOpts{}); err != nil {
			t.Fatalf("walk to %s: %v", target, err)
		}
	}
	fresh, err := models.GetRequestFresh(ctx, request.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return fresh
}

func setClinicalNotes(t *testing.T, requestId, notes string) {
	t.Helper()
	err := config.GetDB().Model(&models.Request{}).
		Where("id = ?", requestId).
		Update("clinical_notes", notes).Error
	if err != nil {
		t.Fatalf("set clinical notes: %v", err)
	}
	models.InvalidateRequestCache(requestId)
}

func TestLifecycle_DocumentationGateOnApproval(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	// 39 characters of notes: one short of the default minimum.
	setClinicalNotes(t, request.ID, strings.Repeat("x", 39))
	_, err := workflow.Transition(ctx, request.ID, models.RequestStatusApproved, workflow.TransitionOpts{})
	gateErr, ok := workflow.IsGateError(err)
	if !ok {
		t.Fatalf("expected gate error, got %v", err)
	}
	if gateErr.Code != workflow.GateInsufficientDocumentation {
		t.Fatalf("gate code = %s", gateErr.Code)
	}

	// The blocked attempt must leave no trace.
	fresh, _ := models.GetRequestFresh(ctx, request.ID)
	if fresh.Status != models.RequestStatusPaid {
		t.Fatalf("blocked approval moved status to %s", fresh.Status)
	}

	setClinicalNotes(t, request.ID, "Reviewed answers, no contraindications found.")
	updated, err := workflow.Transition(ctx, request.ID, models.RequestStatusApproved, workflow.TransitionOpts{})
	if err != nil {
		t.Fatalf("approval with sufficient notes: %v", err)
	}
	if updated.Status != models.RequestStatusApproved || updated.ApprovedAt == nil {
		t.Fatalf("approved request: status=%s approvedAt=%v", updated.Status, updated.ApprovedAt)
	}
	if updated.PaymentStatus != models.PaymentStatusPaid {
		t.Fatalf("approval touched payment_status: %s", updated.PaymentStatus)
	}
}

func TestLifecycle_SafetyGateOnHighRisk(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	err := config.GetDB().Model(&models.Request{}).
		Where("id = ?", request.ID).
		Update("emergency_symptom_flag", true).Error
	if err != nil {
		t.Fatalf("set emergency flag: %v", err)
	}
	setClinicalNotes(t, request.ID, "Reviewed answers, no contraindications found.")

	_, err = workflow.Transition(ctx, request.ID, models.RequestStatusApproved, workflow.TransitionOpts{})
	gateErr, ok := workflow.IsGateError(err)
	if !ok || gateErr.Code != workflow.GateSafetyAcknowledgmentRequired {
		t.Fatalf("expected safety gate, got %v", err)
	}

	updated, err := workflow.Transition(ctx, request.ID, models.RequestStatusApproved, workflow.TransitionOpts{SafetyAcknowledged: true})
	if err != nil {
		t.Fatalf("acknowledged approval: %v", err)
	}
	if updated.Status != models.RequestStatusApproved {
		t.Fatalf("status = %s", updated.Status)
	}
}

func TestLifecycle_DeclineRedactedInAudit(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypePrescription)

	note := "Patient requested dexamphetamine; S8, cannot prescribe via telehealth."
	updated, err := workflow.Decline(ctx, request.ID, models.DeclineReasonControlledSubstance, note)
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if updated.Status != models.RequestStatusDeclined || updated.DeclinedAt == nil {
		t.Fatalf("declined request: status=%s declinedAt=%v", updated.Status, updated.DeclinedAt)
	}
	// The operational record keeps the verbatim note for clinicians.
	if updated.DeclineReasonCode != models.DeclineReasonControlledSubstance || updated.DeclineReasonNote != note {
		t.Fatalf("decline fields not persisted: %s / %q", updated.DeclineReasonCode, updated.DeclineReasonNote)
	}

	trail, err := models.GetAuditTrail(ctx, request.ID)
	if err != nil || len(trail) == 0 {
		t.Fatalf("audit trail: %v (%d entries)", err, len(trail))
	}
	entry := trail[0]
	if entry.ActionType != models.AuditActionDecline {
		t.Fatalf("newest entry action = %s", entry.ActionType)
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(entry.Metadata), &metadata); err != nil {
		t.Fatalf("metadata json: %v", err)
	}
	if metadata["declineReasonCode"] != string(models.DeclineReasonControlledSubstance) {
		t.Errorf("reason code redacted or lost: %v", metadata["declineReasonCode"])
	}
	if metadata["declineReasonNote"] == note {
		t.Error("free-text decline note stored verbatim in audit metadata")
	}

	// The full-row snapshots must not leak the note either.
	for _, payload := range []string{entry.PreviousState, entry.NewState, entry.Metadata} {
		if strings.Contains(payload, "dexamphetamine") {
			t.Errorf("audit payload leaks clinical free text: %s", payload)
		}
	}
}

func TestLifecycle_RefundIdempotent(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	updated, err := workflow.MarkRefunded(ctx, request.ID, "patient cancelled after payment")
	if err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if updated.PaymentStatus != models.PaymentStatusRefunded {
		t.Fatalf("payment_status = %s", updated.PaymentStatus)
	}
	// Refund never touches the lifecycle status.
	if updated.Status != models.RequestStatusPaid {
		t.Fatalf("refund moved status to %s", updated.Status)
	}

	_, err = workflow.MarkRefunded(ctx, request.ID, "retry")
	if !errors.Is(err, workflow.ErrAlreadyRefunded) {
		t.Fatalf("second refund: %v", err)
	}

	trail, _ := models.GetAuditTrail(ctx, request.ID)
	refunds := 0
	for _, entry := range trail {
		if entry.ActionType == models.AuditActionRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("expected exactly one REFUND audit entry, got %d", refunds)
	}
}

func TestLifecycle_ConcurrentTransitionSingleWinner(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = workflow.Transition(ctx, request.ID, models.RequestStatusInReview, workflow.TransitionOpts{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, workflow.ErrConflict):
		case errors.Is(err, workflow.ErrInvalidTransition):
			// Loser reloaded after the winner committed.
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	trail, _ := models.GetAuditTrail(ctx, request.ID)
	transitions := 0
	for _, entry := range trail {
		var next map[string]interface{}
		if json.Unmarshal([]byte(entry.NewState), &next) == nil && next["status"] == string(models.RequestStatusInReview) {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("expected one committed in_review audit entry, got %d", transitions)
	}
}

func TestLifecycle_CancelOnlyBeforePayment(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	_, err := workflow.Cancel(ctx, request.ID)
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("cancel after payment: %v", err)
	}

	fresh, _ := models.GetRequestFresh(ctx, request.ID)
	if fresh.Status != models.RequestStatusPaid {
		t.Fatalf("blocked cancel moved status to %s", fresh.Status)
	}
}

func TestDraft_StalenessAcknowledgment(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	draft, err := models.CreateDraftVersion(ctx, &models.NewDraft{
		RequestId:   request.ID,
		ContentType: models.DraftContentTypeClinicalNote,
		Content:     map[string]interface{}{"assessment": "viral URTI", "plan": "rest"},
	})
	if err != nil {
		t.Fatalf("CreateDraftVersion: %v", err)
	}
	if draft.Version != 1 {
		t.Fatalf("first version = %d", draft.Version)
	}

	staleness, err := workflow.CheckStaleness(ctx, draft.ID)
	if err != nil || staleness.IsStale {
		t.Fatalf("fresh draft flagged stale: %+v err=%v", staleness, err)
	}

	// The patient edits answers after generation.
	if _, err := models.UpdateAnswers(ctx, request.ID, map[string]interface{}{"symptom": "fever", "duration_days": 5}); err != nil {
		t.Fatalf("UpdateAnswers: %v", err)
	}

	staleness, err = workflow.CheckStaleness(ctx, draft.ID)
	if err != nil || !staleness.IsStale {
		t.Fatalf("edited answers not detected: %+v err=%v", staleness, err)
	}

	_, err = workflow.ApproveDraft(ctx, draft.ID, workflow.ApproveDraftOpts{})
	gateErr, ok := workflow.IsGateError(err)
	if !ok || gateErr.Code != workflow.GateStalenessAcknowledgmentRequired {
		t.Fatalf("expected staleness gate, got %v", err)
	}

	approved, err := workflow.ApproveDraft(ctx, draft.ID, workflow.ApproveDraftOpts{StalenessAcknowledged: true})
	if err != nil {
		t.Fatalf("acknowledged approval: %v", err)
	}
	if approved.ApprovedAt == nil {
		t.Fatal("approved draft without approved_at")
	}

	// Finalized drafts are immutable.
	_, err = workflow.ApproveDraft(ctx, draft.ID, workflow.ApproveDraftOpts{StalenessAcknowledged: true})
	if !errors.Is(err, workflow.ErrDraftFinalized) {
		t.Fatalf("second approval: %v", err)
	}
	if _, err := workflow.RejectDraft(ctx, draft.ID, "regenerate"); !errors.Is(err, workflow.ErrDraftFinalized) {
		t.Fatalf("reject after approval: %v", err)
	}

	// Regeneration continues the version sequence.
	second, err := models.CreateDraftVersion(ctx, &models.NewDraft{
		RequestId:   request.ID,
		ContentType: models.DraftContentTypeClinicalNote,
		Content:     map[string]interface{}{"assessment": "viral illness", "plan": "rest and fluids"},
	})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("regenerated version = %d", second.Version)
	}
}

func TestPaymentEvent_EarlyPaidEventRetried(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request, err := models.CreateRequest(ctx, &models.NewRequest{
		PatientId:   "patient-1",
		Type:        models.RequestTypeCertificate,
		Answers:     map[string]interface{}{"symptom": "cough"},
		AmountTotal: decimal.NewFromInt(39),
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	// Provider webhook races the portal: the request is still draft. The
	// event must NOT be acked, or the payment is lost for good.
	err = workflow.ProcessPaymentEvent(ctx, request.ID, "paid", "")
	if !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("early paid event: want ErrInvalidTransition, got %v", err)
	}
	fresh, _ := models.GetRequestFresh(ctx, request.ID)
	if fresh.PaymentStatus == models.PaymentStatusPaid {
		t.Fatal("early paid event recorded a payment")
	}

	if _, err := workflow.Transition(ctx, request.ID, models.RequestStatusPendingPayment, workflow.TransitionOpts{}); err != nil {
		t.Fatalf("walk to pending_payment: %v", err)
	}

	// Provider redelivery now lands.
	if err := workflow.ProcessPaymentEvent(ctx, request.ID, "paid", ""); err != nil {
		t.Fatalf("redelivered paid event: %v", err)
	}
	fresh, _ = models.GetRequestFresh(ctx, request.ID)
	if fresh.Status != models.RequestStatusPaid || fresh.PaymentStatus != models.PaymentStatusPaid {
		t.Fatalf("after paid event: status=%s payment=%s", fresh.Status, fresh.PaymentStatus)
	}

	// Replays of recorded events are absorbed.
	if err := workflow.ProcessPaymentEvent(ctx, request.ID, "paid", ""); err != nil {
		t.Fatalf("replayed paid event: %v", err)
	}
	if err := workflow.ProcessPaymentEvent(ctx, request.ID, "refunded", "chargeback"); err != nil {
		t.Fatalf("refunded event: %v", err)
	}
	if err := workflow.ProcessPaymentEvent(ctx, request.ID, "refunded", "chargeback"); err != nil {
		t.Fatalf("replayed refunded event: %v", err)
	}
	fresh, _ = models.GetRequestFresh(ctx, request.ID)
	if fresh.PaymentStatus != models.PaymentStatusRefunded {
		t.Fatalf("payment_status = %s", fresh.PaymentStatus)
	}
}

func TestDraft_ConcurrentGenerationDistinctVersions(t *testing.T) {
	ctx := setupLifecycleTest(t)
	request := createPaidRequest(t, ctx, models.RequestTypeCertificate)

	const generators = 4
	errs := make([]error, generators)
	var wg sync.WaitGroup
	for i := 0; i < generators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.CreateDraftVersion(ctx, &models.NewDraft{
				RequestId:   request.ID,
				ContentType: models.DraftContentTypeClinicalNote,
				Content:     map[string]interface{}{"attempt": i},
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("generator %d: %v", i, err)
		}
	}

	versions, err := models.GetDraftVersions(ctx, request.ID, models.DraftContentTypeClinicalNote)
	if err != nil {
		t.Fatalf("GetDraftVersions: %v", err)
	}
	if len(versions) != generators {
		t.Fatalf("expected %d versions, got %d", generators, len(versions))
	}
	seen := make(map[int]bool)
	for _, d := range versions {
		if d.Version < 1 || d.Version > generators || seen[d.Version] {
			t.Fatalf("version sequence broken: %d (seen=%v)", d.Version, seen)
		}
		seen[d.Version] = true
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("intake-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("intake-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=intake_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
