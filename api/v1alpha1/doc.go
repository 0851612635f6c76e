// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package v1alpha1 contains the user facing parameters of a fine-tuning run
// and the schema checks for training_config.yaml documents.
package v1alpha1
