package toolset

import (
	"encoding/json"
	"strings"
	"testing"
)

var testCategories = []string{"tracking", "retention", "general"}

const validDoc = `
apiVersion: toolset/v1
metadata:
  name: support-test
tools:
  - name: track_package
    description: Look up carrier tracking status
    readOnly: true
    inputSchema:
      type: object
      required: [customer_email]
      properties:
        customer_email:
          type: string
  - name: pause_subscription
    requiresApproval: true
plans:
  - category: tracking
    tools: [track_package]
    autoSend: true
    labels: [tracking]
  - category: retention
    tools: [pause_subscription]
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validDoc), testCategories)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tool, ok := cfg.Tool("track_package")
	if !ok {
		t.Fatal("track_package not found")
	}
	if !tool.ReadOnly {
		t.Error("expected track_package to be read-only")
	}

	plan, ok := cfg.Plan("tracking")
	if !ok {
		t.Fatal("tracking plan not found")
	}
	if !plan.AutoSend {
		t.Error("expected tracking plan to allow auto-send")
	}

	if _, ok := cfg.Plan("general"); ok {
		t.Error("general has no plan and should not resolve")
	}
}

func TestParse_WrongVersion(t *testing.T) {
	doc := strings.Replace(validDoc, "toolset/v1", "toolset/v2", 1)
	if _, err := Parse([]byte(doc), testCategories); err == nil {
		t.Fatal("expected version error")
	}
}

func TestParse_UnknownCategory(t *testing.T) {
	doc := strings.Replace(validDoc, "category: tracking", "category: shipping", 1)
	if _, err := Parse([]byte(doc), testCategories); err == nil {
		t.Fatal("expected unknown category error")
	}
}

func TestParse_UndeclaredTool(t *testing.T) {
	doc := strings.Replace(validDoc, "tools: [track_package]", "tools: [missing_tool]", 1)
	if _, err := Parse([]byte(doc), testCategories); err == nil {
		t.Fatal("expected undeclared tool error")
	}
}

func TestParse_ReadOnlyCannotRequireApproval(t *testing.T) {
	doc := strings.Replace(validDoc, "requiresApproval: true",
		"requiresApproval: true\n    readOnly: true", 1)
	if _, err := Parse([]byte(doc), testCategories); err == nil {
		t.Fatal("expected read-only/approval conflict error")
	}
}

func TestValidateInput(t *testing.T) {
	cfg, err := Parse([]byte(validDoc), testCategories)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tool, _ := cfg.Tool("track_package")

	if err := tool.ValidateInput(json.RawMessage(`{"customer_email":"a@b.com"}`)); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	if err := tool.ValidateInput(json.RawMessage(`{}`)); err == nil {
		t.Error("payload missing required field was accepted")
	}
	if err := tool.ValidateInput(json.RawMessage(`not json`)); err == nil {
		t.Error("malformed JSON was accepted")
	}

	// Tools without a schema accept any object.
	pause, _ := cfg.Tool("pause_subscription")
	if err := pause.ValidateInput(json.RawMessage(`{"anything":1}`)); err != nil {
		t.Errorf("schemaless tool rejected payload: %v", err)
	}
}
