// Copyright 2026 Meridian
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package logger provides structured JSON logging for Meridian gateway
components.

Each entry is a single JSON line on stdout carrying the component name,
deployment instance, tenant identifier, and correlation identifier, so
one logical request can be traced across gateway instances.

Create a logger per component:

	log := logger.New("gateway")

Log with tenant and correlation context:

	log.Info("tenant-42", "corr-abc", "request admitted", map[string]interface{}{
	    "endpoint": "/api/v1/hub/orders",
	})

Logger instances are safe for concurrent use.
*/
package logger
