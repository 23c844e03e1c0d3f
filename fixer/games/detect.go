// This file is part of NXDetour project, available at https://github.com/qrdl/nxdetour
// Copyright (c) 2024-2026 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package games

import (
	"errors"
	"fmt"

	"github.com/qrdl/nxdetour/gamelib"
)

var ErrUnknownGame = errors.New("unknown engine branch")

// DetectServer opens engine, vstdlib and, when needed, datacache to detect the branch.
// All of them are closed before it returns.
func DetectServer(loader *gamelib.Loader, args []string) (b Branch, err error) {
	b = Unknown
	err = gamelib.With(loader, "vstdlib", func(vstdlib *gamelib.Library) error {
		return gamelib.With(loader, "engine", func(engine *gamelib.Library) error {
			ef, vf := engine.Factory(), vstdlib.Factory()
			if ef == nil {
				return fmt.Errorf("%w: CreateInterface in engine", gamelib.ErrSymbolNotFound)
			}
			if vf == nil {
				return fmt.Errorf("%w: CreateInterface in vstdlib", gamelib.ErrSymbolNotFound)
			}

			var datacache *gamelib.Library
			defer func() {
				if datacache != nil {
					datacache.Close()
				}
			}()
			dc := func() gamelib.Factory {
				var err error
				if datacache, err = loader.Load("datacache"); err != nil {
					return nil
				}
				return datacache.Factory()
			}

			b = Detect(ef, vf, dc, GameName(args))
			return nil
		})
	})
	if err == nil && b == Unknown {
		err = ErrUnknownGame
	}
	return b, err
}
