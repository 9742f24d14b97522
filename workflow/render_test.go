package workflow

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/shopspring/decimal"
)

func testMergeContext() MergeContext {
	return MergeContext{
		ClientName:        "Dupont & Fils",
		ClientEmail:       "compta@dupont.example",
		InvoiceNumber:     "INV-0042",
		InvoiceDate:       time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		DueDate:           time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
		AmountOutstanding: decimal.RequireFromString("1234.5"),
		DaysOverdue:       30,
		Stage:             models.StageRelanceFerme,
		SenderEmail:       "ar@example.com",
		ContactPhone:      "+33 1 42 68 53 00",
	}
}

func TestRender_ResolvesEveryMergeField(t *testing.T) {
	var parts []string
	for _, f := range models.MergeFields {
		parts = append(parts, f+"={{"+f+"}}")
	}
	tpl := models.EscalationTemplate{
		ID:       3,
		Version:  2,
		Stage:    models.StageRelanceFerme,
		Subject:  "Invoice {{ invoice_number }}",
		TextBody: strings.Join(parts, ";"),
	}

	got, err := Render(tpl, testMergeContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "client_name=Dupont & Fils;client_email=compta@dupont.example;invoice_number=INV-0042;" +
		"invoice_date=2026-01-15;due_date=2026-02-14;amount_outstanding=1234.50;days_overdue=30;" +
		"stage=Firm reminder;sender_email=ar@example.com;contact_phone=+33 1 42 68 53 00"
	if got.TextBody != want {
		t.Fatalf("text body:\n got %q\nwant %q", got.TextBody, want)
	}
	if got.Subject != "Invoice INV-0042" {
		t.Fatalf("unexpected subject %q", got.Subject)
	}
	if got.TemplateId != 3 || got.TemplateVersion != 2 {
		t.Fatalf("template reference not carried: %+v", got)
	}
}

func TestRender_EscapesHtmlBodyOnly(t *testing.T) {
	tpl := models.EscalationTemplate{
		Stage:    models.StageRappelAmiable,
		Subject:  "For {{client_name}}",
		HtmlBody: "<p>{{client_name}}</p>",
		TextBody: "{{client_name}}",
	}
	got, err := Render(tpl, testMergeContext())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got.HtmlBody != "<p>Dupont &amp; Fils</p>" {
		t.Fatalf("html body not escaped: %q", got.HtmlBody)
	}
	if got.TextBody != "Dupont & Fils" || got.Subject != "For Dupont & Fils" {
		t.Fatalf("text parts must not be escaped: %q / %q", got.TextBody, got.Subject)
	}
}

func TestRender_MissingValuesFailTheWholeMessage(t *testing.T) {
	mc := testMergeContext()
	mc.ContactPhone = ""
	tpl := models.EscalationTemplate{
		Stage:    models.StageMiseEnDemeure,
		Subject:  "Notice {{invoice_number}}",
		TextBody: "Call {{contact_phone}} or see {{nope}}.",
	}

	got, err := Render(tpl, mc)
	var re *TemplateRenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected TemplateRenderError, got %v", err)
	}
	if !reflect.DeepEqual(re.Missing, []string{"contact_phone", "nope"}) {
		t.Fatalf("unexpected missing list %v", re.Missing)
	}
	if got != (RenderedMessage{}) {
		t.Fatalf("no partial output expected, got %+v", got)
	}
	if !IsTemplateRenderError(err) {
		t.Fatalf("IsTemplateRenderError should match")
	}
}

func TestRender_EmptyParts(t *testing.T) {
	_, err := Render(models.EscalationTemplate{Stage: models.StageRappelAmiable, Subject: "  ", TextBody: "x"}, testMergeContext())
	if !IsTemplateRenderError(err) {
		t.Fatalf("expected render error for empty subject, got %v", err)
	}
	_, err = Render(models.EscalationTemplate{Stage: models.StageRappelAmiable, Subject: "s"}, testMergeContext())
	if !IsTemplateRenderError(err) {
		t.Fatalf("expected render error for empty body, got %v", err)
	}
}

func TestRender_MalformedTokensNeverReachTheOutput(t *testing.T) {
	tpl := models.EscalationTemplate{
		Stage:    models.StageRappelAmiable,
		Subject:  "Invoice {{invoice_number}}",
		TextBody: "Dear {{client-name}}, you owe {{ amount outstanding }}.",
	}
	_, err := Render(tpl, testMergeContext())
	var re *TemplateRenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected TemplateRenderError, got %v", err)
	}
	if !reflect.DeepEqual(re.Missing, []string{"amount outstanding", "client-name"}) {
		t.Fatalf("unexpected missing list %v", re.Missing)
	}

	tpl.TextBody = "Dear {{client_name, please pay."
	if _, err = Render(tpl, testMergeContext()); !IsTemplateRenderError(err) {
		t.Fatalf("expected render error for unterminated token, got %v", err)
	}
	tpl.TextBody = "You owe amount_outstanding}}."
	if _, err = Render(tpl, testMergeContext()); !IsTemplateRenderError(err) {
		t.Fatalf("expected render error for stray closing braces, got %v", err)
	}
}
