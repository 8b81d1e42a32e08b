// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package services

// QryRecentRuns lists the newest ledger rows. The table name is formatted in;
// the video filter and limit are query parameters.
const QryRecentRuns = "SELECT * FROM `%s` WHERE (@video_id = '' OR video_id = @video_id) ORDER BY completed_at DESC LIMIT @limit"
