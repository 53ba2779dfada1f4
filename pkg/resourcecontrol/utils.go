// Copyright (c) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package resourcecontrol

import "errors"

// ErrCgroupMode is returned when the host's cgroup mode (v1/v2, legacy/
// hybrid/unified) could not be matched against any supported driver.
var ErrCgroupMode = errors.New("cgroup controller type error")
