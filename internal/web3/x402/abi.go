package x402

// EscrowABI is the interface of the deployed X402Escrow contract.
const EscrowABI = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setAgent","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"allowed","type":"bool"}],"outputs":[]},
  {"type":"function","name":"createOrder","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"},{"name":"strategyId","type":"bytes32"}],"outputs":[{"name":"orderId","type":"uint256"}]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"executeOrder","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"},{"name":"recipient","type":"address"},{"name":"amountOut","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balances","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Withdrawn","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"OrderCreated","anonymous":false,"inputs":[{"name":"orderId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"agent","type":"address","indexed":true},{"name":"tokenIn","type":"address","indexed":false},{"name":"tokenOut","type":"address","indexed":false},{"name":"amountIn","type":"uint256","indexed":false},{"name":"minAmountOut","type":"uint256","indexed":false},{"name":"strategyId","type":"bytes32","indexed":false}]},
  {"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[{"name":"orderId","type":"uint256","indexed":true}]},
  {"type":"event","name":"OrderExecuted","anonymous":false,"inputs":[{"name":"orderId","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amountOut","type":"uint256","indexed":false}]}
]`

// RegistryABI is the interface of the deployed X402StrategyRegistry contract.
const RegistryABI = `[
  {"type":"function","name":"registerStrategy","stateMutability":"nonpayable","inputs":[{"name":"strategyId","type":"bytes32"},{"name":"cid","type":"string"},{"name":"pairId","type":"string"}],"outputs":[]},
  {"type":"function","name":"updateStrategy","stateMutability":"nonpayable","inputs":[{"name":"strategyId","type":"bytes32"},{"name":"cid","type":"string"}],"outputs":[]},
  {"type":"function","name":"deactivateStrategy","stateMutability":"nonpayable","inputs":[{"name":"strategyId","type":"bytes32"}],"outputs":[]}
]`

// ERC20ABI is the subset of ERC20 used to fund the escrow.
const ERC20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`
