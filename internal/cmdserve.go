// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package internal

import (
	"context"
	"fmt"

	"github.com/mlnoga/nightcal/internal/rest"
)

// Serve static web content and API endpoints via HTTP until ctx is cancelled
func CmdServe(ctx context.Context, env *Env, port int) error {
	if port == 0 {
		port = env.Config.Server.Port
	}
	srv := rest.NewServer(env.Store, env.Builder, env.Gate, env.Config.Server.StaticDir)
	LogPrintf("Serving API on port %d", port)
	return srv.Run(ctx, fmt.Sprintf(":%d", port)) // listen and serve on 0.0.0.0:port
}
