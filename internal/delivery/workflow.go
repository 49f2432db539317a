package delivery

import (
	"encoding/json"
	"sort"

	"github.com/ahelme/comfyume-v1/pkg/errors"
)

// outputNodeTypes 产出文件的节点类型：交付管道改写这些节点的
// filename_prefix，其余节点一概不解读
var outputNodeTypes = map[string]bool{
	"SaveImage":        true,
	"SaveAnimatedWEBP": true,
	"SaveAnimatedPNG":  true,
	"SaveVideo":        true,
	"VHS_VideoCombine": true,
}

// workflowNode 只解码定位输出节点所需的字段，其余内容原样保留
type workflowNode struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

// OutputNodeIDs 返回工作流中全部输出节点的 ID，升序排列（round-robin
// 归属需要稳定顺序）
func OutputNodeIDs(workflow json.RawMessage) ([]string, error) {
	var nodes map[string]workflowNode
	if err := json.Unmarshal(workflow, &nodes); err != nil {
		return nil, errors.Validationf("workflow is not a node map: %v", err)
	}
	var ids []string
	for id, node := range nodes {
		if outputNodeTypes[node.ClassType] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// InjectRunPrefix 深拷贝工作流，把所有输出节点的 filename_prefix 强制
// 改为 prefix。多副本后端共享同一存储时，唯一前缀是区分本次执行产物的
// 唯一依据
func InjectRunPrefix(workflow json.RawMessage, prefix string) (json.RawMessage, error) {
	var nodes map[string]json.RawMessage
	if err := json.Unmarshal(workflow, &nodes); err != nil {
		return nil, errors.Validationf("workflow is not a node map: %v", err)
	}
	quoted, _ := json.Marshal(prefix)
	for id, raw := range nodes {
		var node map[string]json.RawMessage
		if err := json.Unmarshal(raw, &node); err != nil {
			continue
		}
		var classType string
		if ct, ok := node["class_type"]; ok {
			_ = json.Unmarshal(ct, &classType)
		}
		if !outputNodeTypes[classType] {
			continue
		}
		var inputs map[string]json.RawMessage
		if in, ok := node["inputs"]; ok {
			if err := json.Unmarshal(in, &inputs); err != nil {
				inputs = nil
			}
		}
		if inputs == nil {
			inputs = make(map[string]json.RawMessage)
		}
		inputs[filenamePrefixInput] = quoted
		newInputs, err := json.Marshal(inputs)
		if err != nil {
			return nil, err
		}
		node["inputs"] = newInputs
		newNode, err := json.Marshal(node)
		if err != nil {
			return nil, err
		}
		nodes[id] = newNode
	}
	return json.Marshal(nodes)
}

const filenamePrefixInput = "filename_prefix"
