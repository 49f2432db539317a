package delivery

import (
	"encoding/json"
	"testing"

	"github.com/ahelme/comfyume-v1/pkg/errors"
)

func TestOutputNodeIDs(t *testing.T) {
	workflow := json.RawMessage(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 1}},
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI"}},
		"12": {"class_type": "VHS_VideoCombine", "inputs": {}},
		"7": {"class_type": "SaveAnimatedWEBP", "inputs": {}}
	}`)
	ids, err := OutputNodeIDs(workflow)
	if err != nil {
		t.Fatalf("OutputNodeIDs: %v", err)
	}
	want := []string{"12", "7", "9"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestOutputNodeIDs_NotAMap(t *testing.T) {
	_, err := OutputNodeIDs(json.RawMessage(`[1,2,3]`))
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestInjectRunPrefix(t *testing.T) {
	workflow := json.RawMessage(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 42}},
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}}
	}`)
	out, err := InjectRunPrefix(workflow, "comfyume_abcd1234")
	if err != nil {
		t.Fatalf("InjectRunPrefix: %v", err)
	}

	var nodes map[string]struct {
		ClassType string                 `json:"class_type"`
		Inputs    map[string]interface{} `json:"inputs"`
	}
	if err := json.Unmarshal(out, &nodes); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got := nodes["9"].Inputs["filename_prefix"]; got != "comfyume_abcd1234" {
		t.Errorf("prefix not injected, got %v", got)
	}
	// 非输出节点原样保留
	if got := nodes["3"].Inputs["seed"]; got != float64(42) {
		t.Errorf("sampler inputs must be untouched, got %v", got)
	}
	if _, ok := nodes["3"].Inputs["filename_prefix"]; ok {
		t.Error("prefix must not leak into non-output nodes")
	}
	// 输出节点的其他输入保留
	if _, ok := nodes["9"].Inputs["images"]; !ok {
		t.Error("existing inputs on the output node must survive")
	}
}

func TestInjectRunPrefix_DoesNotMutateOriginal(t *testing.T) {
	orig := `{"9":{"class_type":"SaveImage","inputs":{"filename_prefix":"ComfyUI"}}}`
	workflow := json.RawMessage(orig)
	if _, err := InjectRunPrefix(workflow, "comfyume_ffff0000"); err != nil {
		t.Fatalf("InjectRunPrefix: %v", err)
	}
	if string(workflow) != orig {
		t.Errorf("input workflow mutated: %s", workflow)
	}
}
