// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package resources

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"gotest.tools/assert"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kaito-project/finetune/pkg/utils/test"
)

func TestListNodes(t *testing.T) {
	testcases := map[string]struct {
		callMocks     func(c *test.MockClient)
		expectedNodes []string
		expectedError error
	}{
		"Fails to list nodes": {
			callMocks: func(c *test.MockClient) {
				c.On("List", mock.IsType(context.Background()), mock.IsType(&corev1.NodeList{}), mock.Anything).Return(errors.New("fail to list nodes"))
			},
			expectedError: errors.New("fail to list nodes"),
		},
		"Successfully lists all nodes": {
			callMocks: func(c *test.MockClient) {
				c.CreateOrUpdateObjectInMap(test.MockGPUNode("gpu-node", "2"))
				c.On("List", mock.IsType(context.Background()), mock.IsType(&corev1.NodeList{}), mock.Anything).Return(nil)
			},
			expectedNodes: []string{"gpu-node"},
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			mockClient := test.NewClient()
			tc.callMocks(mockClient)

			nodeList, err := ListNodes(context.Background(), mockClient, client.MatchingLabels{LabelKeyNvidia: LabelValueNvidia})
			if tc.expectedError != nil {
				assert.Equal(t, tc.expectedError.Error(), err.Error())
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, len(tc.expectedNodes), len(nodeList.Items))
			for i, name := range tc.expectedNodes {
				assert.Equal(t, name, nodeList.Items[i].Name)
			}
		})
	}
}

func TestCheckNvidiaPlugin(t *testing.T) {
	unlabeled := test.MockGPUNode("unlabeled", "1")
	delete(unlabeled.Labels, LabelKeyNvidia)
	noCapacity := test.MockGPUNode("no-capacity", "0")

	testcases := map[string]struct {
		node     *corev1.Node
		expected bool
	}{
		"Labeled node with GPU capacity": {
			node:     test.MockGPUNode("gpu-node", "1"),
			expected: true,
		},
		"Node without accelerator label": {
			node:     unlabeled,
			expected: false,
		},
		"Node without GPU capacity": {
			node:     noCapacity,
			expected: false,
		},
		"CPU node": {
			node:     test.MockCPUNode,
			expected: false,
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			assert.Equal(t, tc.expected, CheckNvidiaPlugin(tc.node))
		})
	}
}

func TestCheckGPUCapacity(t *testing.T) {
	testcases := map[string]struct {
		nodes         []*corev1.Node
		required      int
		listErr       error
		expectedError string
	}{
		"Largest node fits the request": {
			nodes:    []*corev1.Node{test.MockGPUNode("small", "1"), test.MockGPUNode("large", "4"), test.MockCPUNode},
			required: 4,
		},
		"No node is large enough": {
			nodes:         []*corev1.Node{test.MockGPUNode("small", "1"), test.MockGPUNode("medium", "2")},
			required:      4,
			expectedError: "largest node medium has 2 allocatable",
		},
		"No GPU nodes": {
			nodes:         []*corev1.Node{test.MockCPUNode},
			required:      1,
			expectedError: "no node with label accelerator=nvidia",
		},
		"List fails": {
			listErr:       errors.New("connection refused"),
			required:      1,
			expectedError: "failed to list GPU nodes: connection refused",
		},
	}

	for k, tc := range testcases {
		t.Run(k, func(t *testing.T) {
			mockClient := test.NewClient()
			for _, n := range tc.nodes {
				mockClient.CreateOrUpdateObjectInMap(n)
			}
			mockClient.On("List", mock.IsType(context.Background()), mock.IsType(&corev1.NodeList{}), mock.Anything).Return(tc.listErr)

			err := CheckGPUCapacity(context.Background(), mockClient, tc.required)
			if tc.expectedError == "" {
				assert.NilError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.expectedError)
			}
		})
	}
}
