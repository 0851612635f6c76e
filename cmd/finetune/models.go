// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package main

import (
	_ "github.com/kaito-project/finetune/presets/models/chatglm3"
	_ "github.com/kaito-project/finetune/presets/models/falcon"
	_ "github.com/kaito-project/finetune/presets/models/llama"
	_ "github.com/kaito-project/finetune/presets/models/mistral"
	_ "github.com/kaito-project/finetune/presets/models/phi3"
	_ "github.com/kaito-project/finetune/presets/models/qwen"
)
