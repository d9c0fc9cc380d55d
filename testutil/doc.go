/*
Package testutil holds helpers shared by the personaflow test suites.

Context helpers register their cancel functions with t.Cleanup. The polling
helpers (WaitFor, AwaitWorkerStatus) check every 10ms until a deadline.

# Subpackages

  - testutil/mocks: scripted Generator, Invoker, Executor and Persister
    implementations with call recording and error injection
  - testutil/fixtures: coordinator plans and worker responses

# Usage

	ctx := testutil.TestContext(t)
	inv := mocks.NewMockInvoker().
		WithResponse("coordinator", fixtures.PlanTwoWorkers).
		WithDefault("done")
*/
package testutil
