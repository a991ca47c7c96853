package v1

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
)

func TestCreateTaskRequestAcceptsPaperZero(t *testing.T) {
	var req createTaskRequest
	err := binding.JSON.BindBody([]byte(`{"paper":0,"question":1,"version":1}`), &req)
	if err != nil {
		t.Fatalf("binding paper 0 failed: %v", err)
	}
	if req.Paper != 0 || req.Question != 1 || req.Version != 1 {
		t.Errorf("bound request = %+v, want paper 0 question 1 version 1", req)
	}
}

func TestCreateTaskRequestBindsNonPositiveQuestion(t *testing.T) {
	// A non-positive question must reach the service and come back as its
	// typed error, not fail at the binding layer.
	var req createTaskRequest
	err := binding.JSON.BindBody([]byte(`{"paper":7,"question":0}`), &req)
	if err != nil {
		t.Fatalf("binding question 0 failed: %v", err)
	}
	if req.Question != 0 {
		t.Errorf("bound question = %d, want 0", req.Question)
	}
}
